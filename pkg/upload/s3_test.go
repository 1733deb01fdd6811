package upload

import (
	"testing"

	"github.com/ethpandaops/flakeaudit/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePrefix(t *testing.T) {
	tests := []struct {
		name     string
		prefix   string
		baseName string
		want     string
	}{
		{
			name:     "default prefix",
			prefix:   "",
			baseName: "01HQ7Z8K3M2N4P5Q6R7S8T9V0W",
			want:     "results/runs/01HQ7Z8K3M2N4P5Q6R7S8T9V0W",
		},
		{
			name:     "custom prefix",
			prefix:   "my-project/audits",
			baseName: "01HQ7Z8K3M2N4P5Q6R7S8T9V0W",
			want:     "my-project/audits/runs/01HQ7Z8K3M2N4P5Q6R7S8T9V0W",
		},
		{
			name:     "trailing slash stripped",
			prefix:   "my-prefix/",
			baseName: "suite123",
			want:     "my-prefix/runs/suite123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &s3Uploader{
				cfg: &config.S3UploadConfig{Prefix: tt.prefix},
			}
			got := u.resolvePrefix(tt.baseName)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantPrefix string
	}{
		{
			name:       "json file",
			path:       "runs/abc/suite.json",
			wantPrefix: "application/json",
		},
		{
			name:       "markdown summary",
			path:       "runs/abc/summary.md",
			wantPrefix: "text/markdown",
		},
		{
			name:       "no extension",
			path:       "runs/abc/LOCK",
			wantPrefix: "application/octet-stream",
		},
		{
			name:       "txt file",
			path:       "runs/abc/notes.txt",
			wantPrefix: "text/plain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := detectContentType(tt.path)
			assert.Contains(t, got, tt.wantPrefix)
		})
	}
}

func TestNewS3Uploader_RequiresBucket(t *testing.T) {
	_, err := NewS3Uploader(logrus.New(), &config.S3UploadConfig{})
	require.Error(t, err)

	u, err := NewS3Uploader(logrus.New(), &config.S3UploadConfig{Bucket: "audits", Region: "eu-west-1"})
	require.NoError(t, err)
	assert.NotNil(t, u)
}
