package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps one <key>.json file per source in Dir.
type FileStore struct {
	Dir string
}

// NewFileStore returns a FileStore rooted at dir. The directory is created on
// first Save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

// Path returns the checkpoint file path for source.
func (s *FileStore) Path(source string) string {
	return filepath.Join(s.Dir, Key(source)+".json")
}

// Load reads the source's checkpoint file.
func (s *FileStore) Load(_ context.Context, source string) (Checkpoint, error) {
	data, err := os.ReadFile(s.Path(source))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("read checkpoint %s: %w", s.Path(source), err)
	}
	return Decode(data)
}

// Save writes the checkpoint to a temporary file in the same directory,
// syncs it and renames it over the previous file.
func (s *FileStore) Save(_ context.Context, source string, cp Checkpoint) error {
	data, err := Encode(cp)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o750); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.Dir, "."+Key(source)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op after a successful rename
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.Path(source)); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// Check verifies the directory exists (creating it if needed) and accepts
// new files.
func (s *FileStore) Check(_ context.Context) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o750); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}
	f, err := os.CreateTemp(s.Dir, ".probe.*.tmp")
	if err != nil {
		return "", fmt.Errorf("checkpoint dir %s is not writable: %w", s.Dir, err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return "dir " + s.Dir + " writable", nil
}
