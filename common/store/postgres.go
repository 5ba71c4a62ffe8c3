package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/meridianhealth/researchflow/common/db"
	"github.com/meridianhealth/researchflow/common/state"
)

// PostgresStore implements Store on top of pgx. All multi-row writes run in
// a single transaction so a state write and its audit events land together.
type PostgresStore struct {
	db *db.DB
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

// Create inserts a new workflow document at version 1.
func (s *PostgresStore) Create(ctx context.Context, doc *state.Workflow, events []state.AuditEvent) (int64, error) {
	if err := doc.Validate(); err != nil {
		return 0, err
	}

	document, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("marshal document: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insert = `
		INSERT INTO workflow_state (request_id, version, current_state, document, updated_at)
		VALUES ($1, 1, $2, $3, $4)
		ON CONFLICT (request_id) DO NOTHING
	`
	tag, err := tx.Exec(ctx, insert, doc.RequestID, string(doc.CurrentState), document, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("insert workflow state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("request %s: %w", doc.RequestID, ErrAlreadyExists)
	}

	if err := appendAudit(ctx, tx, events); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit create tx: %w", err)
	}
	return 1, nil
}

// Load returns the canonical latest document and its version.
func (s *PostgresStore) Load(ctx context.Context, requestID string) (*state.Workflow, int64, error) {
	const query = `
		SELECT version, document
		FROM workflow_state
		WHERE request_id = $1
	`

	var version int64
	var document []byte
	err := s.db.QueryRow(ctx, query, requestID).Scan(&version, &document)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load workflow state: %w", err)
	}

	var doc state.Workflow
	if err := json.Unmarshal(document, &doc); err != nil {
		return nil, 0, fmt.Errorf("unmarshal document for %s: %w", requestID, err)
	}
	return &doc, version, nil
}

// Save conditionally replaces the document and appends its audit events.
func (s *PostgresStore) Save(ctx context.Context, doc *state.Workflow, expectedVersion int64, events []state.AuditEvent) (int64, error) {
	if err := doc.Validate(); err != nil {
		return 0, err
	}

	doc.UpdatedAt = time.Now().UTC()
	document, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("marshal document: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin save tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const lock = `
		SELECT version, current_state
		FROM workflow_state
		WHERE request_id = $1
		FOR UPDATE
	`
	var storedVersion int64
	var storedState string
	err = tx.QueryRow(ctx, lock, doc.RequestID).Scan(&storedVersion, &storedState)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("request %s: %w", doc.RequestID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("lock workflow state: %w", err)
	}

	if state.State(storedState).Terminal() {
		return 0, fmt.Errorf("request %s in %s: %w", doc.RequestID, storedState, ErrTerminalState)
	}
	if storedVersion != expectedVersion {
		return 0, fmt.Errorf("request %s expected v%d found v%d: %w",
			doc.RequestID, expectedVersion, storedVersion, ErrConcurrencyConflict)
	}

	newVersion := storedVersion + 1
	const update = `
		UPDATE workflow_state
		SET version = $2, current_state = $3, document = $4, updated_at = $5
		WHERE request_id = $1
	`
	if _, err := tx.Exec(ctx, update, doc.RequestID, newVersion, string(doc.CurrentState), document, doc.UpdatedAt); err != nil {
		return 0, fmt.Errorf("update workflow state: %w", err)
	}

	if err := appendAudit(ctx, tx, events); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit save tx: %w", err)
	}
	return newVersion, nil
}

// ListPendingResumable returns non-terminal request ids.
func (s *PostgresStore) ListPendingResumable(ctx context.Context) ([]string, error) {
	const query = `
		SELECT request_id
		FROM workflow_state
		WHERE current_state NOT IN ($1, $2, $3, $4)
		ORDER BY updated_at
	`

	rows, err := s.db.Query(ctx, query,
		string(state.StateComplete),
		string(state.StateNotFeasible),
		string(state.StateQAFailed),
		string(state.StateHumanReview),
	)
	if err != nil {
		return nil, fmt.Errorf("list resumable: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan resumable id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateApproval inserts a pending approval record.
func (s *PostgresStore) CreateApproval(ctx context.Context, approval *state.Approval) error {
	const insert = `
		INSERT INTO approvals (approval_id, request_id, type, status, payload, submitted_at, sla_deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (approval_id) DO NOTHING
	`
	tag, err := s.db.Exec(ctx, insert,
		approval.ApprovalID,
		approval.RequestID,
		string(approval.Type),
		string(approval.Status),
		nullableJSON(approval.Payload),
		approval.SubmittedAt,
		approval.SLADeadline,
	)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("approval %s: %w", approval.ApprovalID, ErrAlreadyExists)
	}
	return nil
}

const approvalColumns = `
	approval_id, request_id, type, status, payload, modified_payload,
	reviewer, notes, submitted_at, decided_at, sla_deadline
`

// GetApproval returns an approval by id.
func (s *PostgresStore) GetApproval(ctx context.Context, approvalID string) (*state.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE approval_id = $1`
	approval, err := scanApproval(s.db.QueryRow(ctx, query, approvalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("approval %s: %w", approvalID, ErrNotFound)
	}
	return approval, err
}

// LatestApproval returns the most recent approval of a type for a request.
func (s *PostgresStore) LatestApproval(ctx context.Context, requestID string, approvalType state.ApprovalType) (*state.Approval, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approvals
		WHERE request_id = $1 AND type = $2
		ORDER BY submitted_at DESC
		LIMIT 1
	`
	approval, err := scanApproval(s.db.QueryRow(ctx, query, requestID, string(approvalType)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("approval for %s/%s: %w", requestID, approvalType, ErrNotFound)
	}
	return approval, err
}

// ListPendingApprovals returns pending approvals matching the filter.
func (s *PostgresStore) ListPendingApprovals(ctx context.Context, filter ApprovalFilter) ([]*state.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE status = 'pending'`
	args := []any{}

	if filter.RequestID != "" {
		args = append(args, filter.RequestID)
		query += fmt.Sprintf(" AND request_id = $%d", len(args))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if !filter.DueBefore.IsZero() {
		args = append(args, filter.DueBefore)
		query += fmt.Sprintf(" AND sla_deadline < $%d", len(args))
	}
	query += " ORDER BY sla_deadline"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*state.Approval
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, approval)
	}
	return approvals, rows.Err()
}

// DecideApproval transitions pending -> terminal exactly once.
func (s *PostgresStore) DecideApproval(ctx context.Context, approvalID string, status state.ApprovalStatus,
	reviewer, notes string, modifiedPayload json.RawMessage, event state.AuditEvent) error {

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin decide tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const update = `
		UPDATE approvals
		SET status = $2, reviewer = $3, notes = $4, modified_payload = $5, decided_at = $6
		WHERE approval_id = $1 AND status = 'pending'
	`
	tag, err := tx.Exec(ctx, update, approvalID, string(status), reviewer, notes,
		nullableJSON(modifiedPayload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing from already decided.
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT true FROM approvals WHERE approval_id = $1`, approvalID).Scan(&exists); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("approval %s: %w", approvalID, ErrNotFound)
			}
			return fmt.Errorf("check approval: %w", err)
		}
		return fmt.Errorf("approval %s: %w", approvalID, ErrAlreadyDecided)
	}

	if err := appendAudit(ctx, tx, []state.AuditEvent{event}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit decide tx: %w", err)
	}
	return nil
}

// ExpirePendingApprovals sweeps pending approvals past their SLA deadline.
func (s *PostgresStore) ExpirePendingApprovals(ctx context.Context, now time.Time) ([]*state.Approval, error) {
	query := `
		UPDATE approvals
		SET status = 'timed_out', decided_at = $1
		WHERE status = 'pending' AND sla_deadline <= $1
		RETURNING ` + approvalColumns

	rows, err := s.db.Query(ctx, query, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("expire approvals: %w", err)
	}
	defer rows.Close()

	var expired []*state.Approval
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, approval)
	}
	return expired, rows.Err()
}

// ListAudit returns the full audit stream in timestamp order.
func (s *PostgresStore) ListAudit(ctx context.Context, requestID string) ([]state.AuditEvent, error) {
	const query = `
		SELECT event_id, request_id, timestamp, kind, node, actor, severity, payload
		FROM audit
		WHERE request_id = $1
		ORDER BY timestamp, event_id
	`

	rows, err := s.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var events []state.AuditEvent
	for rows.Next() {
		var event state.AuditEvent
		var node string
		var payload []byte
		if err := rows.Scan(&event.EventID, &event.RequestID, &event.Timestamp,
			&event.Kind, &node, &event.Actor, &event.Severity, &payload); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Node = state.State(node)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &event.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal audit payload: %w", err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// appendAudit inserts audit events within an open transaction.
func appendAudit(ctx context.Context, tx pgx.Tx, events []state.AuditEvent) error {
	const insert = `
		INSERT INTO audit (event_id, request_id, timestamp, kind, node, actor, severity, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for _, event := range events {
		var payload []byte
		if event.Payload != nil {
			data, err := json.Marshal(event.Payload)
			if err != nil {
				return fmt.Errorf("marshal audit payload: %w", err)
			}
			payload = data
		}
		if _, err := tx.Exec(ctx, insert, event.EventID, event.RequestID, event.Timestamp,
			string(event.Kind), string(event.Node), event.Actor, event.Severity, payload); err != nil {
			return fmt.Errorf("append audit event: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*state.Approval, error) {
	var approval state.Approval
	var approvalType, status string
	var payload, modifiedPayload []byte
	var reviewer, notes *string

	err := row.Scan(
		&approval.ApprovalID,
		&approval.RequestID,
		&approvalType,
		&status,
		&payload,
		&modifiedPayload,
		&reviewer,
		&notes,
		&approval.SubmittedAt,
		&approval.DecidedAt,
		&approval.SLADeadline,
	)
	if err != nil {
		return nil, err
	}

	approval.Type = state.ApprovalType(approvalType)
	approval.Status = state.ApprovalStatus(status)
	approval.Payload = payload
	approval.ModifiedPayload = modifiedPayload
	if reviewer != nil {
		approval.Reviewer = *reviewer
	}
	if notes != nil {
		approval.Notes = *notes
	}
	return &approval, nil
}

func nullableJSON(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	return []byte(data)
}
