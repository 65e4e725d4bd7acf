package snapshot

import (
	"fmt"
	"io"

	car "github.com/ChainSafe/forest"
	"github.com/ChainSafe/forest/forest"
)

// transcode reads a CARv1 or CARv2 byte stream from src and re-emits it as
// a forest car (compressed zstd frames with an embedded index) to dst. It
// verifies every block's hash against its CID, since the block reader is
// opened without TrustedCAR and TrustedCAR defaults to false.
func transcode(src io.Reader, dst io.Writer, opts ...forest.Option) error {
	rd, err := car.NewBlockReader(src)
	if err != nil {
		return fmt.Errorf("snapshot: opening source as CAR: %w", err)
	}

	w, err := forest.NewWriter(dst, rd.Roots(), opts...)
	if err != nil {
		return fmt.Errorf("snapshot: creating forest writer: %w", err)
	}
	for {
		c, data, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("snapshot: reading source block: %w", err)
		}
		if err := w.Write(c, data); err != nil {
			return fmt.Errorf("snapshot: writing forest block: %w", err)
		}
	}
	return w.Close()
}
