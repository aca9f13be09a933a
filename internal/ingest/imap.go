package ingest

import (
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/attendite/ieim/internal/ieimerrors"
)

// IMAPAdapter implements MailAdapter against a live mailbox (§6), using the
// message UID as the cursor so it shares FilesystemAdapter's opaque,
// monotonically comparable Ref.ID contract. Attachments are not addressed
// separately over IMAP: only the whole raw MIME is fetched and
// ListAttachments/FetchAttachmentBytes are no-ops here, so attachments of
// IMAP-ingested messages are not split out or run through the attachment
// stage.
type IMAPAdapter struct {
	Addr     string
	Username string
	Password string
	Mailbox  string

	client *imapclient.Client
}

func (a *IMAPAdapter) connect() (*imapclient.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	c, err := imapclient.DialTLS(a.Addr, nil)
	if err != nil {
		return nil, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: imap dial", err)
	}
	if err := c.Login(a.Username, a.Password).Wait(); err != nil {
		return nil, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: imap login", err)
	}
	if _, err := c.Select(a.Mailbox, nil).Wait(); err != nil {
		return nil, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: imap select mailbox", err)
	}
	a.client = c
	return c, nil
}

// ListRefs fetches UIDs strictly greater than the cursor, up to limit.
func (a *IMAPAdapter) ListRefs(cursor string, limit int) ([]Ref, string, error) {
	c, err := a.connect()
	if err != nil {
		return nil, cursor, err
	}

	var startUID uint32 = 1
	if cursor != "" {
		if _, err := fmt.Sscanf(cursor, "%d", &startUID); err == nil {
			startUID++
		}
	}

	uidSet := imap.UIDSet{}
	uidSet.AddRange(imap.UID(startUID), 0)

	cmd := c.Fetch(uidSet, &imap.FetchOptions{UID: true})
	defer cmd.Close()

	var refs []Ref
	newCursor := cursor
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		data, err := msg.Collect()
		if err != nil {
			return nil, cursor, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: imap collect uid fetch", err)
		}
		id := fmt.Sprintf("%d", uint32(data.UID))
		newCursor = id
		if len(refs) < limit {
			refs = append(refs, Ref{ID: id})
		}
	}
	return refs, newCursor, nil
}

func (a *IMAPAdapter) fetchUID(ref Ref) (*imapclient.FetchMessageData, error) {
	c, err := a.connect()
	if err != nil {
		return nil, err
	}
	var uid uint32
	if _, err := fmt.Sscanf(ref.ID, "%d", &uid); err != nil {
		return nil, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: parse imap ref as uid", err)
	}

	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))

	cmd := c.Fetch(uidSet, &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		BodySection:  []*imap.FetchItemBodySection{{}},
	})
	defer cmd.Close()

	msg := cmd.Next()
	if msg == nil {
		return nil, ieimerrors.New(ieimerrors.KindNotFound, "ingest: imap message not found for uid")
	}
	data, err := msg.Collect()
	if err != nil {
		return nil, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: imap collect fetch", err)
	}
	return data, nil
}

func (a *IMAPAdapter) FetchRawMIME(ref Ref) ([]byte, error) {
	data, err := a.fetchUID(ref)
	if err != nil {
		return nil, err
	}
	for _, section := range data.BodySection {
		return section.Bytes, nil
	}
	return nil, ieimerrors.New(ieimerrors.KindAdapterUnavailable, "ingest: imap fetch response missing body section")
}

func (a *IMAPAdapter) GetReceivedAt(ref Ref) (time.Time, error) {
	data, err := a.fetchUID(ref)
	if err != nil {
		return time.Time{}, err
	}
	if data.Envelope != nil {
		return data.Envelope.Date, nil
	}
	return time.Time{}, nil
}

// ListAttachments and FetchAttachmentBytes are no-ops for IMAPAdapter: only
// the whole raw MIME (fetched via FetchRawMIME) is handed on, and normalize
// reads just its first text/plain part; no attachment artifacts are produced.
func (a *IMAPAdapter) ListAttachments(ref Ref) ([]AttachmentRef, error) {
	return nil, nil
}

func (a *IMAPAdapter) FetchAttachmentBytes(ref Ref, att AttachmentRef) ([]byte, error) {
	return nil, ieimerrors.New(ieimerrors.KindNotFound, "ingest: imap adapter exposes attachments only via the raw MIME walk")
}
