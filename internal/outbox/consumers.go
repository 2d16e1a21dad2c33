package outbox

import (
	"context"
	"fmt"
	"strconv"

	"cookline/internal/domain"
	"cookline/internal/engine"
	"cookline/internal/engine/auth"
	"cookline/internal/events"
	"cookline/internal/notify"
	"cookline/internal/reconcile"
)

const (
	ConsumerWeight      = "weight"
	ConsumerAttestation = "attestation"
	ConsumerNotify      = "notify"
	ConsumerSync        = "sync"
)

// Standard returns the consumers a running deployment needs. A nil reconciler
// leaves board pushes out.
func Standard(eng engine.Engine, rec *reconcile.Reconciler, base notify.Notifier) []Consumer {
	cs := []Consumer{
		WeightConsumer(eng),
		AttestationConsumer(eng),
		NotifyConsumer(eng, base),
	}
	if rec != nil {
		cs = append(cs, SyncConsumer(rec))
	}
	return cs
}

type ledgerIssued struct {
	TaskID        string  `json:"task_id"`
	ContributorID string  `json:"contributor_id"`
	CookValue     float64 `json:"cook_value"`
}

// WeightConsumer refreshes the governance weight read model after issuance.
func WeightConsumer(eng engine.Engine) Consumer {
	return Consumer{
		Name:  ConsumerWeight,
		Types: []string{events.LedgerIssued},
		Handle: func(ctx context.Context, evt domain.Event) error {
			var p ledgerIssued
			if err := events.Decode(evt.Payload, &p); err != nil {
				return err
			}
			_, err := eng.RecomputeWeight(ctx, evt.TeamID, p.ContributorID)
			return err
		},
	}
}

// AttestationConsumer issues the chained attestation for each new ledger entry.
func AttestationConsumer(eng engine.Engine) Consumer {
	return Consumer{
		Name:  ConsumerAttestation,
		Types: []string{events.LedgerIssued},
		Handle: func(ctx context.Context, evt domain.Event) error {
			_, err := eng.IssueAttestation(ctx, evt.EntityID)
			return err
		},
	}
}

// SyncConsumer pushes canonical moves to the external board. Moves the board
// itself caused are not echoed back.
func SyncConsumer(rec *reconcile.Reconciler) Consumer {
	return Consumer{
		Name:  ConsumerSync,
		Types: []string{events.TaskMoved, events.SyncUnauthorizedCleared},
		Handle: func(ctx context.Context, evt domain.Event) error {
			if evt.Type == events.TaskMoved && evt.ActorID == auth.SystemActor {
				return nil
			}
			_, err := rec.PushTask(ctx, evt.TeamID, evt.EntityID)
			return err
		},
	}
}

type notifier struct {
	eng  engine.Engine
	base notify.Notifier
}

// NotifyConsumer turns review, sync and governance events into notifications.
// Teams with a configured webhook also get them delivered there.
func NotifyConsumer(eng engine.Engine, base notify.Notifier) Consumer {
	n := notifier{eng: eng, base: base}
	return Consumer{
		Name: ConsumerNotify,
		Types: []string{
			events.ReviewStarted,
			events.ReviewObjected,
			events.ReviewApproved,
			events.SyncUnauthorizedMovement,
			events.ProposalVotingTriggered,
			events.VotingCompleted,
		},
		Handle: n.handle,
	}
}

func (n notifier) sink(ctx context.Context, teamID string) (notify.Notifier, error) {
	cfg, err := n.eng.TeamConfig(ctx, teamID)
	if err != nil {
		return nil, err
	}
	sinks := notify.Multi{}
	if n.base != nil {
		sinks = append(sinks, n.base)
	}
	if hook := notify.NewWebhook(cfg.Notifications); hook != nil {
		sinks = append(sinks, hook)
	}
	return sinks, nil
}

func (n notifier) handle(ctx context.Context, evt domain.Event) error {
	recipients, tmpl, err := n.compose(ctx, evt)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return nil
	}
	sink, err := n.sink(ctx, evt.TeamID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, userID := range recipients {
		msg := tmpl
		msg.UserID = userID
		msg.TeamID = evt.TeamID
		msg.EventType = evt.Type
		msg.Metadata = map[string]string{"event_id": strconv.FormatInt(evt.ID, 10), "entity_id": evt.EntityID}
		if err := sink.Notify(ctx, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (n notifier) compose(ctx context.Context, evt domain.Event) ([]string, notify.Notification, error) {
	switch evt.Type {
	case events.ReviewStarted:
		var p struct {
			TaskID    string   `json:"task_id"`
			Reviewers []string `json:"reviewers"`
			Required  int      `json:"required_reviewers"`
		}
		if err := events.Decode(evt.Payload, &p); err != nil {
			return nil, notify.Notification{}, err
		}
		return p.Reviewers, notify.Notification{
			Title:     "Review requested",
			Message:   fmt.Sprintf("task %s needs %d approval(s)", p.TaskID, p.Required),
			ActionURL: taskURL(p.TaskID),
		}, nil
	case events.ReviewObjected:
		var p struct {
			TaskID       string   `json:"task_id"`
			Reason       string   `json:"reason"`
			Contributors []string `json:"contributors"`
		}
		if err := events.Decode(evt.Payload, &p); err != nil {
			return nil, notify.Notification{}, err
		}
		return p.Contributors, notify.Notification{
			Title:     "Review objected",
			Message:   p.Reason,
			ActionURL: taskURL(p.TaskID),
		}, nil
	case events.ReviewApproved:
		var p struct {
			TaskID string `json:"task_id"`
		}
		if err := events.Decode(evt.Payload, &p); err != nil {
			return nil, notify.Notification{}, err
		}
		task, err := n.eng.GetTask(ctx, evt.TeamID, p.TaskID)
		if err != nil {
			return nil, notify.Notification{}, err
		}
		return task.Contributors, notify.Notification{
			Title:     "Review approved",
			Message:   fmt.Sprintf("%q is done", task.Title),
			ActionURL: taskURL(task.ID),
		}, nil
	case events.SyncUnauthorizedMovement:
		var p struct {
			From      string `json:"from"`
			Attempted string `json:"attempted"`
			Reason    string `json:"reason"`
		}
		if err := events.Decode(evt.Payload, &p); err != nil {
			return nil, notify.Notification{}, err
		}
		stewards, err := n.eng.Auth.Stewards(ctx, evt.TeamID)
		if err != nil {
			return nil, notify.Notification{}, err
		}
		return stewards, notify.Notification{
			Title:     "Unauthorized board movement",
			Message:   fmt.Sprintf("task %s moved %s -> %s on the board: %s", evt.EntityID, p.From, p.Attempted, p.Reason),
			ActionURL: taskURL(evt.EntityID),
		}, nil
	case events.ProposalVotingTriggered:
		var p struct {
			VotingID string `json:"voting_id"`
			ClosesAt string `json:"closes_at"`
		}
		if err := events.Decode(evt.Payload, &p); err != nil {
			return nil, notify.Notification{}, err
		}
		members, err := n.memberIDs(ctx, evt.TeamID)
		if err != nil {
			return nil, notify.Notification{}, err
		}
		return members, notify.Notification{
			Title:     "Voting opened",
			Message:   fmt.Sprintf("proposal %s went to a vote, closes %s", evt.EntityID, p.ClosesAt),
			ActionURL: "/votings/" + p.VotingID,
		}, nil
	case events.VotingCompleted:
		var p struct {
			WinningOption *string `json:"winning_option"`
		}
		if err := events.Decode(evt.Payload, &p); err != nil {
			return nil, notify.Notification{}, err
		}
		members, err := n.memberIDs(ctx, evt.TeamID)
		if err != nil {
			return nil, notify.Notification{}, err
		}
		result := "no winning option"
		if p.WinningOption != nil {
			result = "winner: " + *p.WinningOption
		}
		return members, notify.Notification{
			Title:     "Voting completed",
			Message:   result,
			ActionURL: "/votings/" + evt.EntityID,
		}, nil
	}
	return nil, notify.Notification{}, nil
}

func (n notifier) memberIDs(ctx context.Context, teamID string) ([]string, error) {
	members, err := n.eng.ListMembers(ctx, teamID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	return ids, nil
}

func taskURL(taskID string) string {
	return "/tasks/" + taskID
}
