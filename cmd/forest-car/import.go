package main

import (
	"fmt"

	"github.com/ChainSafe/forest/snapshot"
	"github.com/urfave/cli/v2"
)

var importCommand = &cli.Command{
	Name:      "import",
	Usage:     "import a CAR snapshot (file path or URL) into a managed directory as a forest car",
	ArgsUsage: "<source>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "dir",
			Usage:    "managed directory to import into",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "mode",
			Usage: "one of auto, copy, move, symlink, hardlink",
			Value: "auto",
		},
	},
	Action: importAction,
}

func importAction(c *cli.Context) error {
	src := c.Args().First()
	if src == "" {
		return fmt.Errorf("import: a source path or URL is required")
	}
	mode, ok := snapshot.ParseImportMode(c.String("mode"))
	if !ok {
		return fmt.Errorf("import: unknown mode %q", c.String("mode"))
	}

	imp := &snapshot.Importer{
		Dir: c.String("dir"),
		Progress: func(sofar, total int64) {
			if total > 0 {
				fmt.Printf("\rdownloading... %d/%d bytes", sofar, total)
			} else {
				fmt.Printf("\rdownloading... %d bytes", sofar)
			}
		},
	}
	res, err := imp.Import(c.Context, src, mode, snapshot.RootsOnlyLoader)
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Printf("imported %s in %s\n", res.Path, res.Elapsed)
	fmt.Printf("heaviest tipset epoch: %d, key: %s\n", res.Tipset.Epoch(), res.Tipset.Key())
	return nil
}
