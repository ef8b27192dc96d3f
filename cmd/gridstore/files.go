package main

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// copyFile writes the contents of srcPath to destPath, replacing it.
func copyFile(srcPath string, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dest, err := os.Create(destPath)
	if err != nil {
		return err
	}
	if _, err := dest.ReadFrom(src); err != nil {
		_ = dest.Close()
		return err
	}
	return dest.Close()
}

// moveFile renames srcPath to destPath. Downloads are spooled into the
// system temp directory, which may live on another filesystem, so a
// cross-device rename falls back to copy and remove.
func moveFile(srcPath string, destPath string) error {
	err := os.Rename(srcPath, destPath)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}

	if err := copyFile(srcPath, destPath); err != nil {
		return fmt.Errorf("copy %s to %s: %w", srcPath, destPath, err)
	}
	if err := os.Remove(srcPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
