package staging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/espforge/ota-stage/internal/manifest"
)

// Repository defines persistence operations for the firmware staging slot.
type Repository interface {
	Store(ctx context.Context, firmware []byte, m *manifest.Manifest) error
	Manifest(ctx context.Context) (*manifest.Manifest, error)
	Firmware(ctx context.Context) ([]byte, error)
}

// FileRepository persists the single firmware slot (binary plus manifest)
// under a staging directory on disk. Writes are serialized with a mutex and
// performed write-temp-then-rename, so a crash mid-store never leaves a
// half-written binary or manifest behind.
type FileRepository struct {
	// dir is the staging directory holding firmware.bin and manifest.json.
	dir string
	// mu serializes writers; the slot is last-writer-wins.
	mu sync.Mutex
}

// ErrNotFound is returned when nothing has been staged yet.
var ErrNotFound = errors.New("no firmware staged")

// artifactPermissions keeps staged artifacts readable by co-located file servers.
const artifactPermissions os.FileMode = 0o644

// NewFileRepository creates a repository rooted at the provided directory.
func NewFileRepository(dir string) *FileRepository {
	return &FileRepository{
		dir: filepath.Clean(dir),
	}
}

// Dir returns the staging directory path.
func (r *FileRepository) Dir() string {
	return r.dir
}

// Store writes the firmware binary and its manifest, replacing whatever was
// staged before. The binary lands first, then the manifest.
func (r *FileRepository) Store(_ context.Context, firmware []byte, m *manifest.Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}

	if err := r.replaceFile(manifest.FirmwareFilename, firmware); err != nil {
		return fmt.Errorf("write firmware: %w", err)
	}

	data, err := m.Encode()
	if err != nil {
		return err
	}

	if err := r.replaceFile(manifest.Filename, data); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	return nil
}

// Manifest reads the staged manifest from disk.
func (r *FileRepository) Manifest(_ context.Context) (*manifest.Manifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(filepath.Join(r.dir, manifest.Filename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read manifest: %w", err)
	}

	return manifest.Decode(contents)
}

// Firmware reads the staged binary from disk.
func (r *FileRepository) Firmware(_ context.Context) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(filepath.Join(r.dir, manifest.FirmwareFilename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read firmware: %w", err)
	}

	return contents, nil
}

// replaceFile writes data to a temp file in the staging directory and renames
// it over the target name. Rename within a directory is atomic on POSIX.
func (r *FileRepository) replaceFile(name string, data []byte) error {
	tmp, err := os.CreateTemp(r.dir, name+".tmp-*")
	if err != nil {
		return err
	}

	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return err
	}

	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)

		return err
	}

	if err = os.Chmod(tmpName, artifactPermissions); err != nil {
		_ = os.Remove(tmpName)

		return err
	}

	if err = os.Rename(tmpName, filepath.Join(r.dir, name)); err != nil {
		_ = os.Remove(tmpName)

		return err
	}

	return nil
}
