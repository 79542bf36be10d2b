package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"stratasync.io/internal/stats"
	"stratasync.io/internal/syncq"
)

var _ stats.Store = (*Store)(nil)

// AppendEvent records one completion event. The unique index on
// (item_id, action, ts) makes replays from at-least-once delivery no-ops.
func (s *Store) AppendEvent(ctx context.Context, event syncq.CompletionEvent) (bool, error) {
	if s.db == nil {
		return false, errors.New("database connection unavailable")
	}
	metaJSON := []byte("{}")
	if len(event.Metadata) > 0 {
		bytes, err := json.Marshal(event.Metadata)
		if err != nil {
			return false, fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = bytes
	}
	res, err := s.db.ExecContext(ctx, `
		insert into completion_events (item_id, mission_id, user_id, action, ts, metadata)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (item_id, action, ts) do nothing
	`, event.ItemID, event.MissionID, event.UserID, string(event.Action), event.Timestamp, metaJSON)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff > 0, nil
}

func (s *Store) EventsByMission(ctx context.Context, missionID string) ([]syncq.CompletionEvent, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select item_id, mission_id, user_id, action, ts, metadata
		from completion_events
		where mission_id = $1
		order by ts
	`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []syncq.CompletionEvent
	for rows.Next() {
		var (
			event   syncq.CompletionEvent
			rawMeta []byte
		)
		if err := rows.Scan(&event.ItemID, &event.MissionID, &event.UserID, &event.Action, &event.Timestamp, &rawMeta); err != nil {
			return nil, err
		}
		if len(rawMeta) > 0 {
			if err := json.Unmarshal(rawMeta, &event.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
