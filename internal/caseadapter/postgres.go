package caseadapter

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/attendite/ieim/internal/ieimerrors"
	"github.com/attendite/ieim/internal/ieimmodel"
)

// PostgresAdapter implements Adapter against a real case-backend table,
// grounded in the teacher's internal/case/infrastructure/postgres.go
// (pgxpool.Pool, explicit transactions, $N placeholders, duplicate-key
// conflict handling) generalized from that module's case aggregate shape to
// this one's idempotency-key-keyed side effects: every operation carries its
// derived idempotency key, and a unique constraint on that key column is
// what makes CreateCase/AttachArtifact/etc. safe to retry.
//
// Expected schema (see internal/caseadapter/postgres_schema.sql):
//
//	CREATE TABLE ieim_cases (
//	  case_id TEXT PRIMARY KEY,
//	  queue_id TEXT NOT NULL,
//	  title TEXT NOT NULL,
//	  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE TABLE ieim_case_operations (
//	  idempotency_key TEXT PRIMARY KEY,
//	  case_id TEXT NOT NULL REFERENCES ieim_cases(case_id),
//	  operation_tag TEXT NOT NULL,
//	  payload JSONB,
//	  applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type PostgresAdapter struct {
	pool *pgxpool.Pool
}

func NewPostgresAdapter(pool *pgxpool.Pool) *PostgresAdapter {
	return &PostgresAdapter{pool: pool}
}

// alreadyApplied reports whether idempotencyKey has already been recorded,
// making every operation below a no-op replay on retry.
func (a *PostgresAdapter) alreadyApplied(ctx context.Context, tx pgx.Tx, key string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM ieim_case_operations WHERE idempotency_key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "caseadapter: check operation idempotency", err)
	}
	return exists, nil
}

func (a *PostgresAdapter) recordOperation(ctx context.Context, tx pgx.Tx, key, caseID, operationTag string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return ieimerrors.Wrap(ieimerrors.KindConfigInvalid, "caseadapter: marshal operation payload", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO ieim_case_operations (idempotency_key, case_id, operation_tag, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO NOTHING`, key, caseID, operationTag, encoded)
	if err != nil {
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "caseadapter: record operation", err)
	}
	return nil
}

func (a *PostgresAdapter) CreateCase(key, queueID, title string) (string, error) {
	ctx := context.Background()
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "caseadapter: begin transaction", err)
	}
	defer tx.Rollback(ctx)

	var existingCaseID string
	err = tx.QueryRow(ctx, `SELECT case_id FROM ieim_case_operations WHERE idempotency_key = $1`, key).Scan(&existingCaseID)
	if err == nil {
		return existingCaseID, nil
	}
	if err != pgx.ErrNoRows {
		return "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "caseadapter: lookup existing create-case operation", err)
	}

	caseID := caseIDFromKey(key)
	_, err = tx.Exec(ctx, `
		INSERT INTO ieim_cases (case_id, queue_id, title)
		VALUES ($1, $2, $3)
		ON CONFLICT (case_id) DO NOTHING`, caseID, queueID, title)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return caseID, nil
		}
		return "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "caseadapter: insert case", err)
	}
	if err := a.recordOperation(ctx, tx, key, caseID, OpCreateCase, map[string]string{"queue_id": queueID, "title": title}); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "caseadapter: commit create-case", err)
	}
	return caseID, nil
}

func (a *PostgresAdapter) AttachArtifact(key, caseID string, artifact ieimmodel.ArtifactRef) error {
	return a.applyIdempotent(key, caseID, OpAttachOriginalEmail, artifact)
}

func (a *PostgresAdapter) AddNote(key, caseID, note string) error {
	return a.applyIdempotent(key, caseID, "ADD_NOTE", map[string]string{"note": note})
}

func (a *PostgresAdapter) AddDraftMessage(key, caseID string, draft ieimmodel.Draft) error {
	return a.applyIdempotent(key, caseID, OpAddRequestInfoDraft, draft)
}

func (a *PostgresAdapter) UpdateCase(key, caseID string, title *string) error {
	ctx := context.Background()
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "caseadapter: begin transaction", err)
	}
	defer tx.Rollback(ctx)

	applied, err := a.alreadyApplied(ctx, tx, key)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}
	if title != nil {
		if _, err := tx.Exec(ctx, `UPDATE ieim_cases SET title = $1 WHERE case_id = $2`, *title, caseID); err != nil {
			return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "caseadapter: update case title", err)
		}
	}
	if err := a.recordOperation(ctx, tx, key, caseID, "UPDATE_CASE", map[string]*string{"title": title}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "caseadapter: commit update-case", err)
	}
	return nil
}

// applyIdempotent runs the common "already applied? no-op : record and
// commit" shape shared by every non-CreateCase operation.
func (a *PostgresAdapter) applyIdempotent(key, caseID, operationTag string, payload any) error {
	ctx := context.Background()
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "caseadapter: begin transaction", err)
	}
	defer tx.Rollback(ctx)

	applied, err := a.alreadyApplied(ctx, tx, key)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}
	if err := a.recordOperation(ctx, tx, key, caseID, operationTag, payload); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "caseadapter: commit operation", err)
	}
	return nil
}

func caseIDFromKey(key string) string {
	return "case-" + key
}
