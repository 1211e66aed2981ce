package configsync

import (
	"errors"
	"fmt"
)

// Domain errors for configuration sync.
var (
	// ErrNoConfiguration is returned when a nil device configuration is set.
	ErrNoConfiguration = errors.New("configsync: no device configuration")

	// ErrMalformedConfiguration is returned when a payload is not valid JSON.
	ErrMalformedConfiguration = errors.New("configsync: malformed device configuration")

	// ErrInvalidConfiguration is returned when a payload fails schema validation.
	ErrInvalidConfiguration = errors.New("configsync: invalid device configuration")

	// ErrNoFilename is returned when the package metadata names no file.
	ErrNoFilename = errors.New("configsync: package metadata has no filename")

	// ErrUnexpectedStatus is returned for a non-2xx package server response.
	ErrUnexpectedStatus = errors.New("configsync: unexpected response status")

	// ErrStagedPackageMissing is returned when the staged manifest points at
	// a file that no longer exists.
	ErrStagedPackageMissing = errors.New("configsync: staged package file missing")
)

// Sync operations reported in SyncError.Op.
const (
	OpHead     = "head"
	OpDownload = "download"
	OpStage    = "stage"
	OpInstall  = "install"
)

// SyncError reports a failed plugin package check, download or install.
// The previous configuration and package stay in place.
type SyncError struct {
	Op  string
	URL string
	Err error
}

func (e *SyncError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("configsync: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("configsync: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
