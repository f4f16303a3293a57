package registry

import "fmt"

// VersionStatus is the version lifecycle state. Transitions go through
// TransitionVersion only.
type VersionStatus string

const (
	StatusProcessing VersionStatus = "processing"
	StatusProcessed  VersionStatus = "processed"
	StatusRemoved    VersionStatus = "removed"
	StatusAborted    VersionStatus = "aborted"

	StatusFailedMACOSX           VersionStatus = "failed_macosx"
	StatusFailedNoFileDir        VersionStatus = "failed_no_file_dir"
	StatusFailedManifestExists   VersionStatus = "failed_manifest_exists"
	StatusFailedInvalidFileTypes VersionStatus = "failed_invalid_file_types"
	StatusFailedFileTooLarge     VersionStatus = "failed_file_too_large"
	StatusFailedNotEnoughSpace   VersionStatus = "failed_not_enough_space"
	StatusFailedServer           VersionStatus = "failed_server"
)

// IsFailure reports whether the status is one of the terminal failure
// states a retry may leave.
func (s VersionStatus) IsFailure() bool {
	switch s {
	case StatusFailedMACOSX, StatusFailedNoFileDir, StatusFailedManifestExists,
		StatusFailedInvalidFileTypes, StatusFailedFileTooLarge,
		StatusFailedNotEnoughSpace, StatusFailedServer:
		return true
	}
	return false
}

// FailureReason renders the human explanation mailed to the author.
func (s VersionStatus) FailureReason() string {
	switch s {
	case StatusFailedMACOSX:
		return "the archive contained only a __MACOSX directory"
	case StatusFailedNoFileDir:
		return "the archive did not contain a single directory named after the package id"
	case StatusFailedManifestExists:
		return "the archive already contains a manifest.json"
	case StatusFailedInvalidFileTypes:
		return "the archive contains symbolic links or disallowed executable files"
	case StatusFailedFileTooLarge:
		return "the unzipped archive exceeds the size limit"
	case StatusFailedNotEnoughSpace:
		return "your storage quota is exhausted"
	case StatusFailedServer:
		return "an internal error occurred while processing the upload"
	case StatusAborted:
		return "processing was aborted"
	}
	return string(s)
}

// TransitionVersion checks a status edge. Processing may end in processed,
// aborted, or any failure; a failure may return to processing on retry;
// processed may be removed. Nothing else moves.
func TransitionVersion(from, to VersionStatus) error {
	allowed := false
	switch {
	case from == StatusProcessing:
		allowed = to == StatusProcessed || to == StatusAborted || to.IsFailure()
	case from.IsFailure():
		allowed = to == StatusProcessing
	case from == StatusProcessed:
		allowed = to == StatusRemoved
	}
	if !allowed {
		return fmt.Errorf("illegal version status transition %s -> %s", from, to)
	}
	return nil
}
