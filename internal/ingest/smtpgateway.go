package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// SMTPGatewayAdapter implements MailAdapter for the push-based SMTP HTTP
// gateway (§6): an upstream SMTP relay POSTs each message's raw RFC822 body
// to /ingest, which is written into the same directory layout
// FilesystemAdapter already polls -- the gateway and the test-corpus adapter
// share one cursor/dedupe contract, so the receiver is a thin chi.Router
// (matching the teacher's go-chi/chi/v5 routing throughout cmd/platform)
// sitting in front of a FilesystemAdapter rather than a second parsing path.
type SMTPGatewayAdapter struct {
	FilesystemAdapter
}

var smtpGatewayNamespace = uuid.MustParse("9b6f4e21-6c8a-4b7d-9a0e-2f5c8d1b3a47")

type ingestAcceptedResponse struct {
	Status          string `json:"status"`
	SourceMessageID string `json:"source_message_id"`
}

// Routes registers POST /ingest, accepting a raw RFC822 body and returning
// 202 {status, source_message_id} per §6.
func (a *SMTPGatewayAdapter) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/ingest", a.handleIngest)
	return r
}

func (a *SMTPGatewayAdapter) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	sourceMessageID := r.Header.Get("X-Source-Message-Id")
	if sourceMessageID == "" {
		sourceMessageID = uuid.NewSHA1(smtpGatewayNamespace, body).String()
	}

	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		http.Error(w, "failed to prepare ingest directory", http.StatusInternalServerError)
		return
	}
	name := fmt.Sprintf("%020d-%s.eml", time.Now().UTC().UnixNano(), sourceMessageID)
	path := filepath.Join(a.Dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		http.Error(w, "failed to stage ingest message", http.StatusInternalServerError)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		http.Error(w, "failed to persist ingest message", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(ingestAcceptedResponse{Status: "queued", SourceMessageID: sourceMessageID})
}
