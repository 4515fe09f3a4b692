package utils

import (
	"fmt"
	"os"
)

// FileOperations provides the staging-directory file primitives the engine
// actually drives: sizing and creating segment files, and atomically
// publishing the assembled result. Grounded on the teacher's FileOperations;
// trimmed to the methods Segment Fetcher, Job Coordinator, and Assembler
// exercise (the teacher's single-stream ".part" detection/validation helpers
// had no counterpart once downloads became segmented — see DESIGN.md).
type FileOperations struct{}

// NewFileOperations creates a new FileOperations instance
func NewFileOperations() *FileOperations {
	return &FileOperations{}
}

// GetFileSize returns the size of a file
func (f *FileOperations) GetFileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// AtomicRename performs an atomic file rename operation
func (f *FileOperations) AtomicRename(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}

// CreatePartialFile creates or truncates a segment file and sets its length
// to size (the engine creates staging segment files with size 0).
func (f *FileOperations) CreatePartialFile(partPath string, size int64) (err error) {
	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create partial file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	// Pre-allocate file space
	if err := file.Truncate(size); err != nil {
		return fmt.Errorf("failed to allocate file space: %w", err)
	}

	return nil
}
