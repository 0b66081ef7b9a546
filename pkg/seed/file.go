package seed

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxSeedFileSize is the maximum allowed seed file size (1 MiB).
const maxSeedFileSize = 1 << 20

// ErrFileTooLarge is returned when a seed file exceeds maxSeedFileSize.
var ErrFileTooLarge = errors.New("seed file exceeds maximum allowed size (1 MiB)")

// ErrPathTraversal is returned when a seed file path contains path traversal.
var ErrPathTraversal = errors.New("seed file path contains path traversal")

// FileProvider loads a seed document from a YAML file on disk.
type FileProvider struct {
	path string
}

// NewFileProvider creates a FileProvider for the given file path. The file
// does not need to exist yet; Load reports an error while it is missing.
// Returns an error if the path contains path traversal sequences.
func NewFileProvider(path string) (*FileProvider, error) {
	if err := validateSeedPath(path); err != nil {
		return nil, err
	}
	return &FileProvider{path: path}, nil
}

// validateSeedPath checks that the path does not contain ".." traversal components.
func validateSeedPath(path string) error {
	cleaned := filepath.Clean(path)
	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return ErrPathTraversal
		}
	}
	return nil
}

// Path returns the file path managed by this provider.
func (p *FileProvider) Path() string {
	return p.path
}

// Load reads and parses the seed file. The version is the SHA-256 hex digest
// of the raw file bytes; callers reloading on file events compare it to skip
// re-applying unchanged content.
func (p *FileProvider) Load(_ context.Context) (*Document, string, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, "", fmt.Errorf("seed provider: failed to read %s: %w", p.path, err)
	}

	if int64(len(data)) > maxSeedFileSize {
		return nil, "", fmt.Errorf("seed provider: %s: %w", p.path, ErrFileTooLarge)
	}

	version := hashBytes(data)

	doc, err := Parse(data)
	if err != nil {
		return nil, "", fmt.Errorf("seed provider: failed to parse %s: %w", p.path, err)
	}

	return doc, version, nil
}

// hashBytes returns the SHA-256 hex digest of the given byte slice.
func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h)
}
