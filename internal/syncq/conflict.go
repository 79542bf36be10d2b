package syncq

import (
	"context"
	"fmt"
	"time"

	"stratasync.io/internal/rbac"
)

// Resolve dispatches a detected conflict on the configured strategy. The
// strategy is the one attached to the higher of the two roles present, unless
// an override is supplied. Shared by every Service implementation so strategy
// semantics cannot drift between backends.
func Resolve(entry Entry, item Item, override rbac.Strategy, now time.Time) (Resolution, error) {
	incoming, err := rbac.GetProfile(entry.Requester.Role)
	if err != nil {
		return Resolution{}, err
	}
	stored, err := rbac.GetProfile(item.AuthorRole)
	if err != nil {
		return Resolution{}, err
	}

	strategy := override
	if strategy == "" {
		governing := rbac.Max(entry.Requester.Role, item.AuthorRole)
		profile, err := rbac.GetProfile(governing)
		if err != nil {
			return Resolution{}, err
		}
		strategy = profile.Strategy
	}

	switch strategy {
	case rbac.StrategyAuto:
		return Resolution{Strategy: strategy, Outcome: autoOutcome(incoming, stored, entry, item)}, nil
	case rbac.StrategyManual:
		return Resolution{Strategy: strategy, Outcome: OutcomePending}, nil
	case rbac.StrategyHierarchical:
		switch {
		case incoming.Rank > stored.Rank:
			return Resolution{Strategy: strategy, Outcome: OutcomeApplied}, nil
		case incoming.Rank < stored.Rank:
			return Resolution{Strategy: strategy, Outcome: OutcomeRejected}, nil
		default:
			// Peers never auto-pick between each other.
			return Resolution{Strategy: strategy, Outcome: OutcomePending}, nil
		}
	default:
		return Resolution{}, fmt.Errorf("%w: unsupported strategy %q", ErrInvalidInput, strategy)
	}
}

// autoOutcome applies the incoming change iff it carries a strictly higher
// sync priority; equal priorities fall back to most-recent-write-wins.
func autoOutcome(incoming, stored rbac.Profile, entry Entry, item Item) Outcome {
	switch {
	case incoming.SyncPriority > stored.SyncPriority:
		return OutcomeApplied
	case incoming.SyncPriority < stored.SyncPriority:
		return OutcomeRejected
	case entry.CreatedAt.After(item.UpdatedAt):
		return OutcomeApplied
	default:
		return OutcomeRejected
	}
}

// ProcessResult summarizes one entry's trip through the state machine.
type ProcessResult struct {
	EntryID    string      `json:"entry_id"`
	ItemID     string      `json:"item_id"`
	Conflict   bool        `json:"conflict"`
	Resolution *Resolution `json:"resolution,omitempty"`
	Final      EntryStatus `json:"final"`
}

// driveToTerminal runs detection and resolution for an entry that is already
// IN_PROGRESS and moves it to a terminal state.
func driveToTerminal(ctx context.Context, svc Service, entry Entry) (ProcessResult, error) {
	result := ProcessResult{EntryID: entry.ID, ItemID: entry.ItemID}

	conflict, err := svc.DetectConflict(ctx, entry.ID)
	if err != nil {
		_ = svc.MarkFailed(ctx, entry.ID, FailureNotFound)
		result.Final = EntryFailed
		return result, err
	}
	if !conflict {
		if err := svc.MarkCompleted(ctx, entry.ID, entry.Action); err != nil {
			result.Final = EntryFailed
			return result, err
		}
		result.Final = EntryCompleted
		return result, nil
	}

	result.Conflict = true
	res, err := svc.ResolveConflict(ctx, entry.ID, "")
	if err != nil {
		_ = svc.MarkFailed(ctx, entry.ID, FailureInternal)
		result.Final = EntryFailed
		return result, err
	}
	result.Resolution = &res

	switch res.Outcome {
	case OutcomeApplied:
		if err := svc.MarkCompleted(ctx, entry.ID, ActionMerged); err != nil {
			result.Final = EntryFailed
			return result, err
		}
		result.Final = EntryCompleted
	case OutcomeRejected:
		if err := svc.MarkFailed(ctx, entry.ID, FailureConflictRejected); err != nil {
			return result, err
		}
		result.Final = EntryFailed
	case OutcomePending:
		if err := svc.MarkFailed(ctx, entry.ID, FailureConflict); err != nil {
			return result, err
		}
		result.Final = EntryFailed
	}
	return result, nil
}

// ProcessEntry claims one specific pending entry and drives it to a terminal
// state.
func ProcessEntry(ctx context.Context, svc Service, entryID string) (ProcessResult, error) {
	entry, err := svc.Start(ctx, entryID)
	if err != nil {
		return ProcessResult{EntryID: entryID}, err
	}
	return driveToTerminal(ctx, svc, entry)
}

// ProcessNext claims the next schedulable entry, if any, and drives it to a
// terminal state. The second return is false when the queue has nothing to do.
func ProcessNext(ctx context.Context, svc Service) (ProcessResult, bool, error) {
	entry, ok, err := svc.DequeueNext(ctx)
	if err != nil || !ok {
		return ProcessResult{}, false, err
	}
	result, err := driveToTerminal(ctx, svc, entry)
	return result, true, err
}
