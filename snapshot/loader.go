package snapshot

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChainSafe/forest/forest"
	"github.com/ChainSafe/forest/store"
	"golang.org/x/exp/mmap"
)

// LoadAll walks dir non-recursively, opening every `*.forest.car.zst` file
// as a forest.Archive and registering it with many (in directory order).
// When cleanup is true, stale `*.forest.car.zst.tmp` files are deleted;
// failure to delete one is logged, not returned, since a leftover temp
// file doesn't corrupt anything. A missing dir is created rather than
// treated as an error, matching a freshly initialized node.
func LoadAll(many *store.Many, dir string, cleanup bool) error {
	if info, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("snapshot: checking managed directory: %w", err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("snapshot: creating managed directory: %w", err)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("snapshot: managed directory %s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("snapshot: reading managed directory: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(dir, name)
		switch {
		case strings.HasSuffix(name, FileExtension):
			r, err := mmap.Open(path)
			if err != nil {
				return fmt.Errorf("snapshot: error loading car DB at %s: %w", path, err)
			}
			a, err := forest.Open(r)
			if err != nil {
				r.Close()
				return fmt.Errorf("snapshot: error loading car DB at %s: %w", path, err)
			}
			many.ReadOnly(a)
			log.Printf("snapshot: loaded car DB at %s", path)
		case cleanup && strings.HasSuffix(name, TempExtension):
			if err := os.Remove(path); err != nil {
				log.Printf("snapshot: failed to delete temp car DB at %s: %v", path, err)
			} else {
				log.Printf("snapshot: deleted temp car DB at %s", path)
			}
		}
	}

	log.Printf("snapshot: loaded %d CARs", many.Len())
	return nil
}
