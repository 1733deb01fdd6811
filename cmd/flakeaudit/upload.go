package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/ethpandaops/flakeaudit/pkg/config"
	"github.com/ethpandaops/flakeaudit/pkg/upload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var uploadSuiteIDs []string

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload audit results to S3-compatible storage",
	Long: `Upload suites from the local results directory to the configured bucket
and merge the remote index.json. Without --suite every local suite missing
from the bucket is uploaded.`,
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().StringSliceVar(&uploadSuiteIDs, "suite", nil,
		"Suite ids to upload (comma-separated or repeated flag)")
}

func runUpload(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Flags().Changed("log-level"))
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	return uploadSuites(ctx, cfg, uploadSuiteIDs)
}

// uploadSuites uploads the given suites, or every local suite the bucket
// does not have yet when ids is empty, then refreshes the remote index.
func uploadSuites(ctx context.Context, cfg *config.Config, ids []string) error {
	if !cfg.Upload.S3.Enabled {
		return fmt.Errorf("S3 upload is not configured or not enabled in config")
	}

	uploader, err := upload.NewS3Uploader(log, &cfg.Upload.S3)
	if err != nil {
		return fmt.Errorf("creating S3 uploader: %w", err)
	}

	if err := uploader.Preflight(ctx); err != nil {
		return fmt.Errorf("s3 preflight: %w", err)
	}

	runsDir := filepath.Join(cfg.Results.Dir, "runs")

	if len(ids) == 0 {
		ids, err = missingSuites(ctx, uploader, runsDir)
		if err != nil {
			return err
		}
	}

	for _, id := range ids {
		dir := filepath.Join(runsDir, id)

		log.WithFields(logrus.Fields{"suite_id": id, "dir": dir}).Info("Uploading suite")

		if err := uploader.Upload(ctx, dir); err != nil {
			return fmt.Errorf("uploading suite %s: %w", id, err)
		}
	}

	if err := uploader.UploadIndex(ctx, cfg.Results.Dir); err != nil {
		return fmt.Errorf("uploading index: %w", err)
	}

	log.WithField("suites", len(ids)).Info("Upload completed successfully")

	return nil
}

func missingSuites(ctx context.Context, uploader upload.Uploader, runsDir string) ([]string, error) {
	remote, err := uploader.RemoteSuites(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing remote suites: %w", err)
	}

	entries, err := os.ReadDir(runsDir)
	if err != nil {
		return nil, fmt.Errorf("reading runs directory: %w", err)
	}

	missing := make([]string, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() && !slices.Contains(remote, e.Name()) {
			missing = append(missing, e.Name())
		}
	}

	return missing, nil
}
