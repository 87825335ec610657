package receipt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidPath is returned for names that would resolve outside the
// storage directory.
var ErrInvalidPath = errors.New("invalid storage path")

// Storage defines the interface for file storage operations
type Storage interface {
	// Save saves a file and returns the name to retrieve it by
	Save(filename string, data []byte) (string, error)

	// Get retrieves a file by name
	Get(name string) ([]byte, error)

	// Delete removes a file
	Delete(name string) error
}

// LocalStorage implements the Storage interface using local filesystem
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolving storage directory: %w", err)
	}
	return &LocalStorage{basePath: abs}, nil
}

func (l *LocalStorage) resolve(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidPath)
	}
	full := filepath.Join(l.basePath, name)
	if !strings.HasPrefix(full, l.basePath+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return full, nil
}

// Save saves a file to local storage
func (l *LocalStorage) Save(filename string, data []byte) (string, error) {
	path, err := l.resolve(filename)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return filename, nil
}

// Get retrieves a file from local storage
func (l *LocalStorage) Get(name string) ([]byte, error) {
	path, err := l.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("file %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes a file from local storage
func (l *LocalStorage) Delete(name string) error {
	path, err := l.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}
