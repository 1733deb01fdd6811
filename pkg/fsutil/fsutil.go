// Package fsutil writes result files, optionally handing them to another
// owner so results produced inside a container stay readable on the host.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Owner is a parsed UID:GID pair.
type Owner struct {
	UID int
	GID int
}

// ParseOwner parses a "UID:GID" string. An empty string yields nil.
func ParseOwner(s string) (*Owner, error) {
	if s == "" {
		return nil, nil
	}

	uidStr, gidStr, ok := strings.Cut(s, ":")
	if !ok || strings.Contains(gidStr, ":") {
		return nil, fmt.Errorf("invalid owner %q, expected UID:GID", s)
	}

	uid, err := strconv.Atoi(uidStr)
	if err != nil || uid < 0 {
		return nil, fmt.Errorf("invalid UID %q", uidStr)
	}

	gid, err := strconv.Atoi(gidStr)
	if err != nil || gid < 0 {
		return nil, fmt.Errorf("invalid GID %q", gidStr)
	}

	return &Owner{UID: uid, GID: gid}, nil
}

func (o *Owner) String() string {
	if o == nil {
		return ""
	}

	return strconv.Itoa(o.UID) + ":" + strconv.Itoa(o.GID)
}

// chown is best effort: writing results never fails on ownership.
func (o *Owner) chown(path string) {
	if o == nil {
		return
	}

	_ = os.Lchown(path, o.UID, o.GID)
}

// MkdirAll creates dir and its missing parents, chowning every directory
// it created.
func MkdirAll(dir string, owner *Owner) error {
	var created []string

	for d := filepath.Clean(dir); ; d = filepath.Dir(d) {
		if _, err := os.Stat(d); err == nil {
			break
		}

		created = append(created, d)

		if parent := filepath.Dir(d); parent == d {
			break
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	for _, d := range created {
		owner.chown(d)
	}

	return nil
}

// WriteFile replaces path atomically: readers see either the old or the
// new content, never a partial file.
func WriteFile(path string, data []byte, owner *Owner) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return err
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)

		return err
	}

	if err := os.Chmod(tmpName, 0644); err != nil {
		_ = os.Remove(tmpName)

		return err
	}

	owner.chown(tmpName)

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)

		return err
	}

	return nil
}
