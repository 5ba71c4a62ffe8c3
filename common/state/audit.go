package state

import (
	"time"

	"github.com/google/uuid"
)

// AuditKind classifies audit events.
type AuditKind string

const (
	AuditCreated           AuditKind = "created"
	AuditNodeEntered       AuditKind = "node_entered"
	AuditNodeExited        AuditKind = "node_exited"
	AuditAgentAttempt      AuditKind = "agent_attempt"
	AuditAgentSuccess      AuditKind = "agent_success"
	AuditAgentFailure      AuditKind = "agent_failure"
	AuditApprovalRequested AuditKind = "approval_requested"
	AuditApprovalDecided   AuditKind = "approval_decided"
	AuditStatePersisted    AuditKind = "state_persisted"
	AuditEscalated         AuditKind = "escalated"
	AuditCompleted         AuditKind = "completed"
	AuditTerminated        AuditKind = "terminated"
)

// ActorSystem is the actor recorded for engine-originated events. Agent and
// reviewer events record the agent or reviewer identifier instead.
const ActorSystem = "system"

// AuditEvent is one entry in a request's append-only audit stream.
type AuditEvent struct {
	EventID   string         `json:"event_id"`
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      AuditKind      `json:"kind"`
	Node      State          `json:"node,omitempty"`
	Actor     string         `json:"actor"`
	Severity  string         `json:"severity"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewEvent creates an audit event stamped with a fresh id and timestamp.
func NewEvent(requestID string, kind AuditKind, node State, actor string, payload map[string]any) AuditEvent {
	severity := "info"
	switch kind {
	case AuditAgentFailure, AuditEscalated, AuditTerminated:
		severity = "warn"
	}
	return AuditEvent{
		EventID:   uuid.NewString(),
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Node:      node,
		Actor:     actor,
		Severity:  severity,
		Payload:   payload,
	}
}
