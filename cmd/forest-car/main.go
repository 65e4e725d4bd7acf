// Command forest-car inspects, imports, and reports on CAR and forest car
// archives.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "forest-car",
		Usage: "inspect and import CAR / forest car archives",
		Commands: []*cli.Command{
			inspectCommand,
			importCommand,
			rootsCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
