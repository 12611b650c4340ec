package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// writeFileAtomic writes data next to path under an exclusive advisory
// lock, then renames over the target. A crash mid-write leaves the old
// file intact.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	lock := flock.New(tmpPath)
	if err := lock.Lock(); err != nil {
		tmp.Close()
		return fmt.Errorf("lock temp file: %w", err)
	}

	_, werr := tmp.Write(data)
	serr := tmp.Sync()
	cerr := tmp.Close()
	if uerr := lock.Unlock(); uerr != nil && werr == nil {
		werr = uerr
	}
	if werr != nil {
		return fmt.Errorf("write temp file: %w", werr)
	}
	if serr != nil {
		return fmt.Errorf("sync temp file: %w", serr)
	}
	if cerr != nil {
		return fmt.Errorf("close temp file: %w", cerr)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// readFileShared reads path under a shared advisory lock so a concurrent
// writer's exclusive lock is respected. flock opens with O_CREATE, so a
// missing file is rejected up front instead of being fabricated empty.
func readFileShared(path string) ([]byte, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	lock := flock.New(path)
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock for read: %w", err)
	}
	defer func() { _ = lock.Unlock() }()
	return os.ReadFile(path)
}
