// Package api implements the review API's minimal HTTP surface (component
// N): health/metrics, the authenticated actor's own roles, queue/item
// listing, and the correction and draft-approval write paths. Grounded in
// the teacher's internal/case/api/http.go chi.Router-per-handler shape and
// internal/shared/auth/middleware.go's context-key authentication pattern,
// generalized onto this package's hitl.Store-backed review model.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/attendite/ieim/internal/auth"
	"github.com/attendite/ieim/internal/hitl"
	"github.com/attendite/ieim/internal/ieimerrors"
	"github.com/attendite/ieim/internal/pack"
)

// Handler serves the review API.
type Handler struct {
	HITL *hitl.Store
	RBAC pack.RBACConfig
}

func NewHandler(store *hitl.Store, rbac pack.RBACConfig) *Handler {
	return &Handler{HITL: store, RBAC: rbac}
}

// permissionsFor resolves the actor's role set against the pack's
// configurable RBAC mapping (rather than a hardcoded table), so a deployment
// can add roles or tighten/loosen permissions purely through pack.yaml.
func (h *Handler) permissionsFor(actor *auth.Actor) pack.RolePermissions {
	roles := make([]string, len(actor.Roles))
	for i, r := range actor.Roles {
		roles[i] = string(r)
	}
	return h.RBAC.PermissionsForRoles(roles)
}

// Routes registers every authenticated endpoint named in §4.N. Healthz is
// deliberately not registered here: it is mounted unauthenticated by the
// caller (it must answer before an actor can be resolved).
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/api/me", h.Me)
	r.Get("/api/review/queues", h.ListQueues)
	r.Get("/api/review/queues/{queueID}/items", h.ListItems)
	r.Get("/api/review/items/{itemID}", h.GetItem)
	r.Post("/api/review/items/{itemID}/corrections", h.SubmitCorrection)
	r.Post("/api/review/items/{itemID}/drafts/{kind}/{decision}", h.DecideDraft)

	return r
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	actor := auth.ForContext(r.Context())
	if actor == nil {
		writeError(w, ieimerrors.New(ieimerrors.KindUnauthenticated, "api: no authenticated actor"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": actor.ID, "roles": actor.Roles})
}

func (h *Handler) ListQueues(w http.ResponseWriter, r *http.Request) {
	actor := auth.ForContext(r.Context())
	if actor == nil || !h.permissionsFor(actor).Has("can_view_audit") {
		writeError(w, ieimerrors.New(ieimerrors.KindPermissionDenied, "api: requires can_view_audit"))
		return
	}
	queues, err := h.HITL.ListQueues()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": queues})
}

func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	actor := auth.ForContext(r.Context())
	if actor == nil || !h.permissionsFor(actor).Has("can_view_audit") {
		writeError(w, ieimerrors.New(ieimerrors.KindPermissionDenied, "api: requires can_view_audit"))
		return
	}
	queueID := chi.URLParam(r, "queueID")
	items, err := h.HITL.ListItems(queueID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	actor := auth.ForContext(r.Context())
	if actor == nil || !h.permissionsFor(actor).Has("can_view_audit") {
		writeError(w, ieimerrors.New(ieimerrors.KindPermissionDenied, "api: requires can_view_audit"))
		return
	}
	itemID := chi.URLParam(r, "itemID")
	_, data, etag, err := h.HITL.FindReviewItem(itemID)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// SubmitCorrection applies a correction to a review item, requiring both
// Idempotency-Key and If-Match per §4.N.
func (h *Handler) SubmitCorrection(w http.ResponseWriter, r *http.Request) {
	actor := auth.ForContext(r.Context())
	if actor == nil || !h.permissionsFor(actor).Has("can_approve_drafts") {
		writeError(w, ieimerrors.New(ieimerrors.KindPermissionDenied, "api: requires can_approve_drafts"))
		return
	}
	itemID := chi.URLParam(r, "itemID")
	ifMatch := r.Header.Get("If-Match")
	idempotencyKey := r.Header.Get("Idempotency-Key")
	if ifMatch == "" || idempotencyKey == "" {
		writeError(w, ieimerrors.New(ieimerrors.KindConfigInvalid, "api: If-Match and Idempotency-Key headers are required"))
		return
	}

	queueID, _, _, err := h.HITL.FindReviewItem(itemID)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		MessageID   string             `json:"message_id"`
		RunID       string             `json:"run_id"`
		CreatedAt   string             `json:"created_at"`
		Corrections []hitl.Correction  `json:"corrections"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, ieimerrors.Wrap(ieimerrors.KindConfigInvalid, "api: decode correction submission", err))
		return
	}

	record, _, err := h.HITL.SubmitCorrection(hitl.SubmitCorrectionInput{
		QueueID: queueID, ReviewItemID: itemID, MessageID: body.MessageID, RunID: body.RunID,
		ActorType: "HUMAN", ActorID: actor.ID, CreatedAt: body.CreatedAt,
		Corrections: body.Corrections, IfMatch: ifMatch, CorrectionID: idempotencyKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// DecideDraft approves or rejects one draft (request_info|reply) on a
// review item. The privacy queue additionally requires privacy_officer or
// administrator (§4.N, checked here with auth.HasAnyRole on top of the
// can_approve_drafts permission).
func (h *Handler) DecideDraft(w http.ResponseWriter, r *http.Request) {
	actor := auth.ForContext(r.Context())
	itemID := chi.URLParam(r, "itemID")
	kind := chi.URLParam(r, "kind")
	decision := chi.URLParam(r, "decision")

	queueID, _, etag, err := h.HITL.FindReviewItem(itemID)
	if err != nil {
		writeError(w, err)
		return
	}
	if actor == nil || !h.permissionsFor(actor).Has("can_approve_drafts") {
		writeError(w, ieimerrors.New(ieimerrors.KindPermissionDenied, "api: requires can_approve_drafts"))
		return
	}
	if queueID == auth.PrivacyQueueID && !auth.HasAnyRole(actor.Roles, auth.RolePrivacyOfficer, auth.RoleAdministrator) {
		writeError(w, ieimerrors.New(ieimerrors.KindPermissionDenied, "api: privacy queue drafts require privacy_officer or administrator"))
		return
	}

	draftKind, err := normalizeDraftKind(kind)
	if err != nil {
		writeError(w, err)
		return
	}
	status, err := normalizeDecision(decision)
	if err != nil {
		writeError(w, err)
		return
	}

	ifMatch := r.Header.Get("If-Match")
	if ifMatch == "" {
		ifMatch = etag
	}
	newETag, err := h.HITL.SetDraftStatus(queueID, itemID, draftKind, status, ifMatch)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("ETag", newETag)
	writeJSON(w, http.StatusOK, map[string]string{"draft_kind": draftKind, "status": status})
}

func normalizeDraftKind(kind string) (string, error) {
	switch kind {
	case "request_info":
		return "REQUEST_INFO", nil
	case "reply":
		return "REPLY", nil
	default:
		return "", ieimerrors.New(ieimerrors.KindConfigInvalid, "api: unknown draft kind "+kind)
	}
}

func normalizeDecision(decision string) (string, error) {
	switch decision {
	case "approve":
		return hitl.DraftApproved, nil
	case "reject":
		return hitl.DraftRejected, nil
	default:
		return "", ieimerrors.New(ieimerrors.KindConfigInvalid, "api: unknown decision "+decision)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if ieimErr, ok := err.(*ieimerrors.Error); ok {
		status = ieimerrors.HTTPStatus(ieimErr.Kind)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
