// Package upload mirrors run documents to S3-compatible storage.
package upload

import "context"

// Uploader uploads run documents to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// UploadRun uploads the run document at path. The file basename is
	// used as the object name under the configured prefix.
	UploadRun(ctx context.Context, path string) error
}
