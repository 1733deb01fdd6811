package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOwner(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    *Owner
		wantErr bool
	}{
		{name: "empty", input: "", want: nil},
		{name: "valid", input: "1000:1000", want: &Owner{UID: 1000, GID: 1000}},
		{name: "root", input: "0:0", want: &Owner{}},
		{name: "missing gid", input: "1000", wantErr: true},
		{name: "too many parts", input: "1:2:3", wantErr: true},
		{name: "non numeric", input: "runner:runner", wantErr: true},
		{name: "negative", input: "-1:5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOwner(tt.input)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOwnerString(t *testing.T) {
	var none *Owner
	assert.Equal(t, "", none.String())
	assert.Equal(t, "1000:100", (&Owner{UID: 1000, GID: 100}).String())
}

func TestWriteFileReplacesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.json")

	require.NoError(t, WriteFile(path, []byte(`{"v":1}`), nil))
	require.NoError(t, WriteFile(path, []byte(`{"v":2}`), nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestWriteFileMissingDirectory(t *testing.T) {
	err := WriteFile(filepath.Join(t.TempDir(), "nope", "file.json"), []byte("x"), nil)
	require.Error(t, err)
}

func TestMkdirAll(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runs", "suite", "attempts")

	require.NoError(t, MkdirAll(dir, nil))
	require.NoError(t, MkdirAll(dir, nil))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
