package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine. Outbox consumers subscribe by type.
const (
	TeamCreated              = "team.created"
	TeamConfigUpdated        = "team.config_updated"
	MemberAdded              = "member.added"
	TaskCreated              = "task.created"
	TaskUpdated              = "task.updated"
	TaskMoved                = "task.moved"
	TaskArchived             = "task.archived"
	CookAssigned             = "cook.assigned"
	ReviewStarted            = "review.started"
	ReviewApproval           = "review.approval"
	ReviewApproved           = "review.approved"
	ReviewObjected           = "review.objected"
	ReviewCommented          = "review.commented"
	ReviewObjectionsResolved = "review.objections_resolved"
	LedgerIssued             = "ledger.issued"
	AttestationIssued        = "attestation.issued"
	ProposalCreated          = "proposal.created"
	ProposalObjected         = "proposal.objected"
	ProposalVotingTriggered  = "proposal.voting_triggered"
	ProposalResolved         = "proposal.resolved"
	VotingCreated            = "voting.created"
	VoteCast                 = "vote.cast"
	VotingCompleted          = "voting.completed"
	SyncUnauthorizedMovement = "sync.unauthorized_movement"
	SyncUnauthorizedCleared  = "sync.unauthorized_cleared"
	SyncExternalMoveApplied  = "sync.external_move_applied"
	SyncDropped              = "sync.dropped"
	SyncDesyncDetected       = "sync.desync_detected"
	APIKeyCreated            = "api_key.created"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside tx; the event commits or rolls back with the write it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, teamID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,team_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, nullable(teamID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

// Decode unmarshals an event payload into v.
func Decode(payload string, v any) error {
	if payload == "" {
		payload = "{}"
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("decode event payload: %w", err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
