package store

import (
	"context"
	"fmt"

	"github.com/meridianhealth/researchflow/common/db"
)

// Schema is the relational layout: versioned document storage for workflow
// state, one row per approval, and an append-only audit log. The document
// column is schema-on-read; current_state is denormalized for the
// resumability scan.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_state (
	request_id    TEXT PRIMARY KEY,
	version       BIGINT NOT NULL,
	current_state TEXT NOT NULL,
	document      JSONB NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflow_state_current
	ON workflow_state (current_state);

CREATE TABLE IF NOT EXISTS approvals (
	approval_id      TEXT PRIMARY KEY,
	request_id       TEXT NOT NULL,
	type             TEXT NOT NULL,
	status           TEXT NOT NULL,
	payload          JSONB,
	modified_payload JSONB,
	reviewer         TEXT,
	notes            TEXT,
	submitted_at     TIMESTAMPTZ NOT NULL,
	decided_at       TIMESTAMPTZ,
	sla_deadline     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_approvals_request
	ON approvals (request_id, submitted_at DESC);

CREATE INDEX IF NOT EXISTS idx_approvals_pending
	ON approvals (status, sla_deadline);

CREATE TABLE IF NOT EXISTS audit (
	event_id   TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL,
	kind       TEXT NOT NULL,
	node       TEXT,
	actor      TEXT,
	severity   TEXT,
	payload    JSONB
);

CREATE INDEX IF NOT EXISTS idx_audit_request
	ON audit (request_id, timestamp);
`

// EnsureSchema creates the tables if they do not exist. Run as a bootstrap
// DB init hook.
func EnsureSchema(database *db.DB) error {
	if _, err := database.Exec(context.Background(), Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
