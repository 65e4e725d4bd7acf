package main

import (
	"fmt"
	"os"

	car "github.com/ChainSafe/forest"
	"github.com/urfave/cli/v2"
)

var rootsCommand = &cli.Command{
	Name:      "roots",
	Usage:     "print the root CIDs of a CAR file",
	ArgsUsage: "<path>",
	Action:    rootsAction,
}

func rootsAction(c *cli.Context) error {
	in := os.Stdin
	if path := c.Args().First(); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	rd, err := car.NewBlockReader(in)
	if err != nil {
		return err
	}
	for _, r := range rd.Roots() {
		fmt.Println(r.String())
	}
	return nil
}
