package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/ChainSafe/forest/forest"
	"github.com/ChainSafe/forest/store"
	"golang.org/x/exp/mmap"
)

// FileExtension is the suffix every live archive in a managed directory
// carries.
const FileExtension = ".forest.car.zst"

// TempExtension is the suffix every in-progress (not-yet-persisted) archive
// carries. The directory loader recognizes and sweeps these.
const TempExtension = FileExtension + ".tmp"

// ErrMustBeForestCar is returned when Symlink or Hardlink mode is used
// against a source that isn't already a valid forest car, or is a URL.
var ErrMustBeForestCar = errors.New("snapshot: source must be a valid forest.car.zst file")

// Result is what a successful Import reports.
type Result struct {
	// Path is the final, persisted archive path in the managed directory.
	Path string
	// Tipset is whatever loadTipset returned for the archive's roots.
	Tipset Tipset
	// Elapsed is the wall-clock duration of the whole operation.
	Elapsed time.Duration
}

// Importer lands a snapshot (local path or URL) into a managed directory.
// Import does not register the resulting archive with any store.Many.
type Importer struct {
	// Dir is the managed directory new archives are written into.
	Dir string
	// HTTPClient is used for URL sources. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Progress is invoked with download progress when the source is a URL.
	Progress ProgressFunc
	// ForestOptions configures any forest.Writer used during transcoding.
	ForestOptions []forest.Option
}

// isURL reports whether src parses as an absolute http(s) URL.
func isURL(src string) (string, bool) {
	u, err := url.Parse(src)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	return u.String(), true
}

// Import validates and stores the snapshot at src into i.Dir, returning its
// final path and heaviest tipset. loadTipset reconstructs the tipset behind
// the archive's roots; see TipsetLoader's doc for why this is a parameter
// rather than something this package computes itself.
func (i *Importer) Import(ctx context.Context, src string, mode ImportMode, loadTipset TipsetLoader) (Result, error) {
	start := time.Now()
	log.Printf("snapshot: importing chain from snapshot at: %s", src)

	destPath := filepath.Join(i.Dir, strconv.FormatInt(time.Now().UnixMilli(), 10)+FileExtension)
	url, fromURL := isURL(src)

	var err error
	switch mode {
	case Auto:
		err = i.importAuto(ctx, src, url, fromURL, destPath)
	case Copy, Move:
		if fromURL {
			err = i.downloadAndPersist(ctx, url, destPath)
		} else {
			err = i.copyOrMoveAndPersist(src, destPath, mode)
		}
	case Symlink:
		err = i.linkLocal(src, fromURL, destPath, os.Symlink)
	case Hardlink:
		err = i.linkLocal(src, fromURL, destPath, os.Link)
	default:
		err = fmt.Errorf("snapshot: unknown import mode %v", mode)
	}
	if err != nil {
		return Result{}, err
	}

	ts, err := i.heaviestTipset(ctx, destPath, loadTipset)
	if err != nil {
		return Result{}, err
	}

	elapsed := time.Since(start)
	log.Printf("snapshot: imported snapshot in %.0fs, heaviest tipset epoch: %d, key: %s",
		elapsed.Seconds(), ts.Epoch(), ts.Key())

	return Result{Path: destPath, Tipset: ts, Elapsed: elapsed}, nil
}

func (i *Importer) importAuto(ctx context.Context, src, url string, fromURL bool, destPath string) error {
	if fromURL {
		return i.downloadAndPersist(ctx, url, destPath)
	}
	if isValidForestCarFile(src) {
		log.Printf("snapshot: hardlinking %s to %s", src, destPath)
		if err := os.Link(src, destPath); err == nil {
			return nil
		}
		log.Printf("snapshot: hardlink failed, falling back to copy")
		return i.copyOrMoveAndPersist(src, destPath, Copy)
	}
	log.Printf("snapshot: snapshot file is not a valid forest.car.zst file, falling back to copy")
	return i.copyOrMoveAndPersist(src, destPath, Copy)
}

func (i *Importer) linkLocal(src string, fromURL bool, destPath string, link func(oldname, newname string) error) error {
	if fromURL {
		return fmt.Errorf("%w (got a URL)", ErrMustBeForestCar)
	}
	abs, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	if !isValidForestCarFile(abs) {
		return ErrMustBeForestCar
	}
	log.Printf("snapshot: linking %s to %s", abs, destPath)
	return link(abs, destPath)
}

// downloadAndPersist downloads url into a freshly created temp file, then
// transcodes it into the forest car format if it isn't one already, and
// persists the result to destPath. The temp file is removed whenever this
// function returns, so a failed download is not resumed by a later call;
// each call starts from byte zero.
func (i *Importer) downloadAndPersist(ctx context.Context, url, destPath string) error {
	client := i.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	tmp, err := i.newTempPath()
	if err != nil {
		return err
	}
	defer os.Remove(tmp) // no-op once persisted: the rename already moved it away

	if err := downloadTo(ctx, client, url, tmp, i.Progress); err != nil {
		return err
	}
	return i.transcodeIfNeededAndPersist(tmp, destPath)
}

// copyOrMoveAndPersist stages a local file into the managed directory
// (copying or renaming it, per mode), then transcodes it if needed and
// persists the result to destPath.
func (i *Importer) copyOrMoveAndPersist(src, destPath string, mode ImportMode) error {
	tmp, err := i.newTempPath()
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := moveOrCopyFile(src, tmp, mode); err != nil {
		return err
	}
	return i.transcodeIfNeededAndPersist(tmp, destPath)
}

func (i *Importer) transcodeIfNeededAndPersist(stagedPath, destPath string) error {
	if isValidForestCarFile(stagedPath) {
		return persist(stagedPath, destPath)
	}

	transcodedPath, err := i.newTempPath()
	if err != nil {
		return err
	}
	defer os.Remove(transcodedPath)

	if err := transcodeFile(stagedPath, transcodedPath, i.ForestOptions...); err != nil {
		return err
	}
	return persist(transcodedPath, destPath)
}

func transcodeFile(srcPath, dstPath string, opts ...forest.Option) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	if err := transcode(src, dst, opts...); err != nil {
		return err
	}
	return dst.Sync()
}

// newTempPath reserves a uniquely named, empty temp file inside i.Dir with
// the required TempExtension suffix, returning its path. The file is left
// on disk (closed) so it is visible to downloadTo's resume logic and to the
// directory loader's sweep if this process dies before persisting it.
func (i *Importer) newTempPath() (string, error) {
	if err := os.MkdirAll(i.Dir, 0o755); err != nil {
		return "", fmt.Errorf("snapshot: creating managed directory: %w", err)
	}
	f, err := os.CreateTemp(i.Dir, "*"+TempExtension)
	if err != nil {
		return "", fmt.Errorf("snapshot: creating temp file: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// persist makes tmp durable and atomically renames it to dest. Both paths
// must be on the same filesystem (guaranteed here: both live under the same
// managed directory), so the rename is already atomic; the fsync calls
// bracket it the same way google/renameio's CloseAtomicallyReplace does, so
// a crash right after this call can't leave a half-written dest.
func persist(tmp, dest string) error {
	f, err := os.OpenFile(tmp, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("snapshot: persisting %s to %s: %w", tmp, dest, err)
	}
	if dir, err := os.Open(filepath.Dir(dest)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

// moveOrCopyFile implements Move as a rename, falling back to copy+delete
// across devices (EXDEV); Copy always copies.
func moveOrCopyFile(from, to string, mode ImportMode) error {
	switch mode {
	case Move:
		log.Printf("snapshot: moving %s to %s", from, to)
		err := os.Rename(from, to)
		if err == nil {
			return nil
		}
		if !errors.Is(err, syscall.EXDEV) {
			return fmt.Errorf("snapshot: moving file: %w", err)
		}
		if err := copyFile(from, to); err != nil {
			return fmt.Errorf("snapshot: copying file: %w", err)
		}
		if err := os.Remove(from); err != nil {
			return fmt.Errorf("snapshot: removing original file: %w", err)
		}
		return nil
	case Copy:
		log.Printf("snapshot: copying %s to %s", from, to)
		return copyFile(from, to)
	default:
		return fmt.Errorf("snapshot: %v must be handled elsewhere", mode)
	}
}

func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(to, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return dst.Sync()
}

// isValidForestCarFile opens path and reports whether it begins with a
// well-formed forest car index.
func isValidForestCarFile(path string) bool {
	r, err := mmap.Open(path)
	if err != nil {
		return false
	}
	defer r.Close()
	return forest.IsValid(r, int64(r.Len()))
}

func (i *Importer) heaviestTipset(ctx context.Context, path string, loadTipset TipsetLoader) (Tipset, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: opening imported archive: %w", err)
	}
	defer r.Close()

	a, err := forest.Open(r)
	if err != nil {
		return nil, fmt.Errorf("snapshot: opening imported archive as forest car: %w", err)
	}
	bs := store.New(store.WithReadOnly(a))
	return loadTipset(ctx, bs, a.Roots())
}
