// Package device owns the identifier that tags every write made by this
// installation.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidID is returned when the identity file holds something other than
// a UUID.
var ErrInvalidID = errors.New("invalid device id")

// Identity is the stable id of one installation.
type Identity struct {
	ID   string
	Path string
}

// LoadOrCreate reads the id stored at path. When the file does not exist a new
// random id is generated and written there before returning.
func LoadOrCreate(path string) (Identity, error) {
	id, err := Load(path)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Identity{}, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Identity{}, fmt.Errorf("failed to create device id directory: %w", err)
	}
	newID := uuid.NewString()
	if err := writeFileAtomic(path, []byte(newID+"\n")); err != nil {
		return Identity{}, fmt.Errorf("failed to persist device id: %w", err)
	}
	slog.Info("Generated new device id", "device_id", newID, "path", path)
	return Identity{ID: newID, Path: path}, nil
}

// Load reads an existing identity file.
func Load(path string) (Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to read device id: %w", err)
	}
	id := strings.TrimSpace(string(raw))
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Identity{}, fmt.Errorf("%w in %s: %v", ErrInvalidID, path, err)
	}
	return Identity{ID: parsed.String(), Path: path}, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".device-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
