// Package rawstore implements the content-addressed object store: bytes are
// addressed by their SHA-256 hash under raw_store/<kind>/<hex><ext>, written
// atomically, and never overwritten with different content. Grounded in the
// original's ieim/raw_store.py, following this codebase's tmp-then-rename
// write convention used elsewhere for durable state files.
package rawstore

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/attendite/ieim/internal/determinism"
	"github.com/attendite/ieim/internal/ieimerrors"
)

// Ref identifies a stored object by its content hash.
type Ref struct {
	Kind   string `json:"-"`
	URI    string `json:"uri"`
	SHA256 string `json:"sha256"`
	Size   int    `json:"size"`
}

// Store is a content-addressed object store rooted at a base directory.
type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// Put writes data under kind, addressed by its SHA-256 hash. kind must not
// contain a path separator. ext, if non-empty, must start with '.'. If an
// object already exists at the computed path, its bytes are compared to data
// -- a mismatch is an IMMUTABILITY_VIOLATION, a match is a no-op returning
// the existing reference.
func (s *Store) Put(kind string, data []byte, ext string) (Ref, error) {
	if strings.ContainsAny(kind, "/\\") {
		return Ref{}, ieimerrors.New(ieimerrors.KindConfigInvalid, "rawstore: kind must not contain a path separator: "+kind)
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		return Ref{}, ieimerrors.New(ieimerrors.KindConfigInvalid, "rawstore: file_extension must start with '.': "+ext)
	}

	sha := determinism.Sha256Prefixed(data)
	hexPart := strings.TrimPrefix(sha, "sha256:")
	dir := filepath.Join(s.baseDir, kind)
	target := filepath.Join(dir, hexPart+ext)

	if existing, err := os.ReadFile(target); err == nil {
		if !bytes.Equal(existing, data) {
			return Ref{}, ieimerrors.New(ieimerrors.KindImmutabilityViolation,
				"rawstore: existing object at "+target+" does not match new content")
		}
		info, statErr := os.Stat(target)
		size := len(existing)
		if statErr == nil {
			size = int(info.Size())
		}
		return Ref{Kind: kind, URI: relURI(kind, hexPart, ext), SHA256: sha, Size: size}, nil
	} else if !os.IsNotExist(err) {
		return Ref{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "rawstore: read existing object", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Ref{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "rawstore: mkdir", err)
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Ref{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "rawstore: write temp file", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return Ref{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "rawstore: atomic rename", err)
	}

	return Ref{Kind: kind, URI: relURI(kind, hexPart, ext), SHA256: sha, Size: len(data)}, nil
}

// Get reads back the bytes for a previously stored reference.
func (s *Store) Get(ref Ref) ([]byte, error) {
	hexPart := strings.TrimPrefix(ref.SHA256, "sha256:")
	path := filepath.Join(s.baseDir, ref.Kind, hexPart+extOf(ref.URI))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ieimerrors.New(ieimerrors.KindNotFound, "rawstore: no object at "+path)
		}
		return nil, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "rawstore: read object", err)
	}
	return data, nil
}

func relURI(kind, hexPart, ext string) string {
	return filepath.ToSlash(filepath.Join(kind, hexPart+ext))
}

func extOf(uri string) string {
	return filepath.Ext(uri)
}
