package main

import (
	"errors"
	"fmt"
)

// Exit statuses. Anything fatal not listed here exits 1.
const (
	ExitUsage       = 1
	ExitNotFound    = 10
	ExitUnsupported = 11
)

// ToolMissingError indicates a required external utility is absent.
type ToolMissingError struct {
	Tool string
}

func (e *ToolMissingError) Error() string {
	return fmt.Sprintf("required tool not found: %s", e.Tool)
}

// DownloadError indicates an HTTP or object-storage transfer failed.
type DownloadError struct {
	Source string
	Err    error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download of %s failed: %v", e.Source, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// NotFoundError indicates no image file could be resolved.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no image found at %s", e.Path)
}

// ArchiveError indicates extraction failed or the archive held no image.
type ArchiveError struct {
	Path string
	Err  error
}

func (e *ArchiveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot extract %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("no image member found in %s", e.Path)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// UnsupportedPlatformError indicates the host OS is not supported.
type UnsupportedPlatformError struct {
	GOOS string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("unsupported host OS: %s", e.GOOS)
}

// WriteError indicates the raw device write failed.
type WriteError struct {
	Device string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing to %s failed: %v", e.Device, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// errCancelled is returned when the operator declines the confirmation
// prompt. The run aborts with no changes made.
var errCancelled = errors.New("cancelled by operator")

// exitStatus maps a fatal error to the process exit code.
func exitStatus(err error) int {
	var (
		nf *NotFoundError
		up *UnsupportedPlatformError
	)
	switch {
	case errors.As(err, &nf):
		return ExitNotFound
	case errors.As(err, &up):
		return ExitUnsupported
	default:
		return ExitUsage
	}
}
