package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileOperations_CreatePartialFile(t *testing.T) {
	fileOps := NewFileOperations()

	t.Run("create_new_partial_file", func(t *testing.T) {
		tempDir, err := os.MkdirTemp("", "fetchd_test")
		if err != nil {
			t.Fatalf("Failed to create temp dir: %v", err)
		}
		defer os.RemoveAll(tempDir)

		partPath := filepath.Join(tempDir, "seg.0000")
		expectedSize := int64(2048)

		err = fileOps.CreatePartialFile(partPath, expectedSize)
		if err != nil {
			t.Fatalf("Failed to create partial file: %v", err)
		}

		// Verify file was created with correct size
		info, err := os.Stat(partPath)
		if err != nil {
			t.Fatalf("Failed to stat created file: %v", err)
		}

		if info.Size() != expectedSize {
			t.Errorf("Expected file size %d, got %d", expectedSize, info.Size())
		}
	})

	t.Run("truncate_existing_partial_file", func(t *testing.T) {
		tempDir, err := os.MkdirTemp("", "fetchd_test")
		if err != nil {
			t.Fatalf("Failed to create temp dir: %v", err)
		}
		defer os.RemoveAll(tempDir)

		partPath := filepath.Join(tempDir, "seg.0000")
		expectedSize := int64(1024)

		// Create existing file with different size
		existingData := make([]byte, 2048)
		err = os.WriteFile(partPath, existingData, 0644)
		if err != nil {
			t.Fatalf("Failed to create existing file: %v", err)
		}

		err = fileOps.CreatePartialFile(partPath, expectedSize)
		if err != nil {
			t.Fatalf("Failed to truncate partial file: %v", err)
		}

		// Verify file was truncated to correct size
		info, err := os.Stat(partPath)
		if err != nil {
			t.Fatalf("Failed to stat truncated file: %v", err)
		}

		if info.Size() != expectedSize {
			t.Errorf("Expected file size %d after truncation, got %d", expectedSize, info.Size())
		}
	})

	t.Run("create_in_nonexistent_directory", func(t *testing.T) {
		tempDir, err := os.MkdirTemp("", "fetchd_test")
		if err != nil {
			t.Fatalf("Failed to create temp dir: %v", err)
		}
		defer os.RemoveAll(tempDir)

		// Try to create file in nonexistent subdirectory
		partPath := filepath.Join(tempDir, "nonexistent", "seg.0000")
		expectedSize := int64(1024)

		err = fileOps.CreatePartialFile(partPath, expectedSize)
		if err == nil {
			t.Errorf("Expected error when creating file in nonexistent directory")
		}
	})
}

func TestFileOperations_GetFileSize(t *testing.T) {
	fileOps := NewFileOperations()
	tempDir, err := os.MkdirTemp("", "fetchd_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	testPath := filepath.Join(tempDir, "test.txt")
	testData := make([]byte, 1024)

	err = os.WriteFile(testPath, testData, 0644)
	if err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	size, err := fileOps.GetFileSize(testPath)
	if err != nil {
		t.Fatalf("Failed to get file size: %v", err)
	}

	if size != 1024 {
		t.Errorf("Expected file size 1024, got %d", size)
	}

	if _, err := fileOps.GetFileSize(filepath.Join(tempDir, "missing.txt")); err == nil {
		t.Error("Expected an error for a nonexistent file")
	}
}

func TestFileOperations_AtomicRename(t *testing.T) {
	fileOps := NewFileOperations()
	tempDir, err := os.MkdirTemp("", "fetchd_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	oldPath := filepath.Join(tempDir, "old.txt")
	newPath := filepath.Join(tempDir, "new.txt")
	testData := []byte("test content")

	err = os.WriteFile(oldPath, testData, 0644)
	if err != nil {
		t.Fatalf("Failed to create source file: %v", err)
	}

	err = fileOps.AtomicRename(oldPath, newPath)
	if err != nil {
		t.Fatalf("Failed to rename file: %v", err)
	}

	// Verify old file is gone
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Errorf("Old file should not exist after rename")
	}

	content, err := os.ReadFile(newPath)
	if err != nil {
		t.Fatalf("Failed to read renamed file: %v", err)
	}

	if string(content) != string(testData) {
		t.Errorf("File content mismatch after rename")
	}
}
