package upload

import "context"

// Uploader uploads local audit results to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// Upload uploads all files of a suite directory. The directory
	// basename is used as the suite key under prefix + "/runs/".
	Upload(ctx context.Context, localSuiteDir string) error

	// UploadIndex merges the local runs/index.json of resultsDir into the
	// remote index and writes it back.
	UploadIndex(ctx context.Context, resultsDir string) error

	// RemoteSuites lists the suite ids already present remotely.
	RemoteSuites(ctx context.Context) ([]string, error)
}
