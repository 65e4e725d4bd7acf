package main

import (
	"fmt"

	car "github.com/ChainSafe/forest"
	"github.com/ChainSafe/forest/forest"
	"github.com/urfave/cli/v2"
	"golang.org/x/exp/mmap"
)

var inspectCommand = &cli.Command{
	Name:      "inspect",
	Usage:     "print the format and root CIDs of a CAR or forest car archive, and the block count of a plain CAR",
	ArgsUsage: "<path>",
	Action:    inspectAction,
}

func inspectAction(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return fmt.Errorf("inspect: a file path is required")
	}

	r, err := mmap.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	if forest.IsValid(r, int64(r.Len())) {
		a, err := forest.Open(r)
		if err != nil {
			return err
		}
		fmt.Printf("format: forest car\n")
		fmt.Printf("roots: %v\n", a.Roots())
		return nil
	}

	cr, err := car.NewV2Reader(r)
	if err != nil {
		return fmt.Errorf("inspect: %s is neither a forest car nor a plain CAR: %w", path, err)
	}
	stats, err := cr.Inspect(false)
	if err != nil {
		return fmt.Errorf("inspect: %s: %w", path, err)
	}
	fmt.Printf("format: CARv%d\n", stats.Version)
	fmt.Printf("roots: %v\n", stats.Roots)
	fmt.Printf("blocks: %d\n", stats.BlockCount)
	return nil
}
