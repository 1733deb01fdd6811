package upload

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/flakeaudit/pkg/config"
	"github.com/ethpandaops/flakeaudit/pkg/results"
	"github.com/sirupsen/logrus"
)

// defaultPrefix is used when no prefix is configured.
const defaultPrefix = "results"

// s3Uploader implements Uploader for S3-compatible storage.
type s3Uploader struct {
	log     logrus.FieldLogger
	cfg     *config.S3UploadConfig
	client  *s3.Client
	objects *objects
}

// Ensure interface compliance.
var _ Uploader = (*s3Uploader)(nil)

// NewS3Uploader creates a new S3 uploader from the given configuration.
func NewS3Uploader(
	log logrus.FieldLogger,
	cfg *config.S3UploadConfig,
) (Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	client := newS3Client(cfg)

	return &s3Uploader{
		log:     log.WithField("component", "s3-uploader"),
		cfg:     cfg,
		client:  client,
		objects: &objects{client: client, bucket: cfg.Bucket},
	}, nil
}

func newS3Client(cfg *config.S3UploadConfig) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}

// Preflight verifies S3 connectivity by writing a small test object.
func (u *s3Uploader) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("flakeaudit write test: %s", time.Now().UTC().Format(time.RFC3339))
	body := strings.NewReader(content)

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(u.basePrefix() + "/.flakeaudit-write-test"),
		Body:        body,
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", u.cfg.Bucket, err)
	}

	return nil
}

// Upload walks localSuiteDir and uploads all files under the suite prefix.
func (u *s3Uploader) Upload(ctx context.Context, localSuiteDir string) error {
	baseName := filepath.Base(localSuiteDir)
	prefix := u.resolvePrefix(baseName)

	var count int

	err := filepath.Walk(localSuiteDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(localSuiteDir, p)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}

		key := prefix + "/" + filepath.ToSlash(relPath)

		if err := u.uploadFile(ctx, p, key); err != nil {
			return fmt.Errorf("uploading %s: %w", relPath, err)
		}

		count++

		return nil
	})
	if err != nil {
		return fmt.Errorf("walking directory %s: %w", localSuiteDir, err)
	}

	u.log.WithFields(logrus.Fields{
		"files":  count,
		"bucket": u.cfg.Bucket,
		"prefix": prefix,
	}).Info("Upload completed")

	return nil
}

// UploadIndex merges the local index into the remote one.
func (u *s3Uploader) UploadIndex(ctx context.Context, resultsDir string) error {
	local, err := results.GenerateIndex(resultsDir)
	if err != nil {
		return err
	}

	key := u.basePrefix() + "/runs/index.json"
	merged := local

	var remote results.Index

	found, err := u.objects.getJSON(ctx, key, &remote)

	switch {
	case err != nil && !found:
		return err
	case err != nil:
		u.log.WithError(err).Warn("Remote index is unreadable, replacing it")
	case found:
		merged = results.MergeIndex(&remote, local)
	}

	if err := u.objects.putJSON(ctx, key, merged); err != nil {
		return err
	}

	u.log.WithFields(logrus.Fields{
		"entries": len(merged.Entries),
		"key":     key,
	}).Info("Index uploaded")

	return nil
}

// RemoteSuites lists the suite prefixes under prefix + "/runs/".
func (u *s3Uploader) RemoteSuites(ctx context.Context) ([]string, error) {
	prefixes, err := u.objects.listPrefixes(ctx, u.basePrefix()+"/runs/")
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		ids = append(ids, path.Base(strings.TrimRight(p, "/")))
	}

	return ids, nil
}

// uploadFile uploads a single file to S3.
func (u *s3Uploader) uploadFile(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = f.Close() }()

	input := &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(detectContentType(localPath)),
	}

	if u.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(u.cfg.StorageClass)
	}

	if u.cfg.ACL != "" {
		input.ACL = s3types.ObjectCannedACL(u.cfg.ACL)
	}

	u.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": u.cfg.Bucket,
	}).Debug("Uploading file")

	_, err = u.client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("PutObject: %w", err)
	}

	return nil
}

func (u *s3Uploader) basePrefix() string {
	prefix := strings.TrimRight(u.cfg.Prefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}

	return prefix
}

// resolvePrefix builds the S3 key prefix for a suite directory.
func (u *s3Uploader) resolvePrefix(baseName string) string {
	return u.basePrefix() + "/runs/" + baseName
}

// detectContentType returns a MIME type based on file extension.
func detectContentType(p string) string {
	if strings.HasSuffix(p, ".md") {
		return "text/markdown; charset=utf-8"
	}

	ext := filepath.Ext(p)
	if ext == "" {
		return "application/octet-stream"
	}

	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return "application/octet-stream"
	}

	return ct
}
