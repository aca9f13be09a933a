package ingest

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/attendite/ieim/internal/ieimerrors"
)

// FilesystemAdapter is the test-corpus mail adapter (§6): messages are
// `.eml` files dropped into a directory, attachments are sibling files
// named `<message-basename>.attachments/<filename>`. The cursor is the
// lexicographically largest filename already consumed.
type FilesystemAdapter struct {
	Dir string
}

func (f *FilesystemAdapter) ListRefs(cursor string, limit int) ([]Ref, string, error) {
	entries, err := os.ReadDir(f.Dir)
	if err != nil {
		return nil, cursor, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: list directory", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".eml" {
			continue
		}
		if e.Name() > cursor {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	newCursor := cursor
	refs := make([]Ref, 0, limit)
	for i, name := range names {
		if i >= limit {
			break
		}
		refs = append(refs, Ref{ID: name})
		newCursor = name
	}
	return refs, newCursor, nil
}

func (f *FilesystemAdapter) FetchRawMIME(ref Ref) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.Dir, ref.ID))
	if err != nil {
		return nil, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: fetch raw MIME", err)
	}
	return data, nil
}

func (f *FilesystemAdapter) GetReceivedAt(ref Ref) (time.Time, error) {
	info, err := os.Stat(filepath.Join(f.Dir, ref.ID))
	if err != nil {
		return time.Time{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: stat message file", err)
	}
	return info.ModTime(), nil
}

func (f *FilesystemAdapter) attachmentsDir(ref Ref) string {
	base := ref.ID[:len(ref.ID)-len(filepath.Ext(ref.ID))]
	return filepath.Join(f.Dir, base+".attachments")
}

func (f *FilesystemAdapter) ListAttachments(ref Ref) ([]AttachmentRef, error) {
	dir := f.attachmentsDir(ref)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: list attachments directory", err)
	}
	refs := make([]AttachmentRef, 0, len(entries))
	for i, e := range entries {
		if e.IsDir() {
			continue
		}
		refs = append(refs, AttachmentRef{ID: strconv.Itoa(i) + ":" + e.Name(), Filename: e.Name(), MimeType: mimeFor(e.Name())})
	}
	return refs, nil
}

func (f *FilesystemAdapter) FetchAttachmentBytes(ref Ref, att AttachmentRef) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.attachmentsDir(ref), att.Filename))
	if err != nil {
		return nil, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: fetch attachment bytes", err)
	}
	return data, nil
}

func mimeFor(filename string) string {
	switch filepath.Ext(filename) {
	case ".txt":
		return "text/plain"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
