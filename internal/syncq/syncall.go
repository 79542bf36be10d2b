package syncq

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

const syncAllParallelism = 8

// SyncError names the item that failed and why.
type SyncError struct {
	ItemID string `json:"item_id"`
	Err    string `json:"error"`
}

// Summary is the partial-failure report of a bulk sync. Success+Failed always
// equals the number of requests.
type Summary struct {
	Success int         `json:"success"`
	Failed  int         `json:"failed"`
	Errors  []SyncError `json:"errors,omitempty"`
}

// SyncAll fans a batch of sync requests out, settling each item independently.
// Requests touching the same item run sequentially in request order; distinct
// items run in parallel. A failure in one request never aborts the others.
func SyncAll(ctx context.Context, svc Service, reqs []EnqueueRequest) Summary {
	var (
		mu      sync.Mutex
		summary Summary
	)
	record := func(itemID string, err string) {
		mu.Lock()
		defer mu.Unlock()
		if err == "" {
			summary.Success++
			return
		}
		summary.Failed++
		summary.Errors = append(summary.Errors, SyncError{ItemID: itemID, Err: err})
	}

	byItem := make(map[string][]EnqueueRequest)
	var order []string
	for _, req := range reqs {
		if _, seen := byItem[req.ItemID]; !seen {
			order = append(order, req.ItemID)
		}
		byItem[req.ItemID] = append(byItem[req.ItemID], req)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(syncAllParallelism)
	for _, itemID := range order {
		batch := byItem[itemID]
		g.Go(func() error {
			for _, req := range batch {
				record(req.ItemID, syncOne(gctx, svc, req))
			}
			// Errors are per item; never poison the group.
			return nil
		})
	}
	_ = g.Wait()
	return summary
}

// syncOne runs one request's enqueue/process/resolve sequence and reports a
// human-readable failure, or "" on success.
func syncOne(ctx context.Context, svc Service, req EnqueueRequest) string {
	entry, err := svc.Enqueue(ctx, req)
	if err != nil {
		return err.Error()
	}
	result, err := ProcessEntry(ctx, svc, entry.ID)
	if err != nil {
		return err.Error()
	}
	if result.Final == EntryCompleted {
		return ""
	}
	if result.Resolution != nil {
		switch result.Resolution.Outcome {
		case OutcomePending:
			return "conflict: resolution pending"
		case OutcomeRejected:
			return "conflict: incoming change rejected"
		}
	}
	return "sync failed"
}
