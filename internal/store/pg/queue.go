package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stratasync.io/internal/ids"
	"stratasync.io/internal/obs"
	"stratasync.io/internal/rbac"
	"stratasync.io/internal/syncq"
)

var _ syncq.Service = (*Store)(nil)

func (s *Store) RegisterItem(ctx context.Context, req syncq.RegisterItemRequest) (syncq.Item, error) {
	if s.db == nil {
		return syncq.Item{}, errors.New("database connection unavailable")
	}
	if req.OwnerID == "" || req.Name == "" {
		return syncq.Item{}, fmt.Errorf("%w: owner_id and name are required", syncq.ErrInvalidInput)
	}
	if _, err := rbac.GetProfile(req.OwnerRole); err != nil {
		return syncq.Item{}, err
	}

	var item syncq.Item
	row := s.db.QueryRowContext(ctx, `
		insert into sync_items (id, owner_id, mission_id, name, version, status, author_role, updated_at)
		values ($1, $2, $3, $4, 1, $5, $6, now())
		returning id, owner_id, mission_id, name, version, status, author_role, updated_at
	`, ids.New(), req.OwnerID, req.MissionID, req.Name, string(syncq.ItemPending), string(req.OwnerRole))
	if err := row.Scan(&item.ID, &item.OwnerID, &item.MissionID, &item.Name, &item.Version, &item.Status, &item.AuthorRole, &item.UpdatedAt); err != nil {
		return syncq.Item{}, err
	}
	return item, nil
}

func (s *Store) GetItem(ctx context.Context, id string) (syncq.Item, error) {
	if s.db == nil {
		return syncq.Item{}, errors.New("database connection unavailable")
	}
	item, err := scanItem(s.db.QueryRowContext(ctx, itemQuery+` where id = $1`, id))
	if err != nil {
		return syncq.Item{}, err
	}
	audit, err := s.itemAudit(ctx, id)
	if err != nil {
		return syncq.Item{}, err
	}
	item.Audit = audit
	return item, nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (syncq.Entry, error) {
	if s.db == nil {
		return syncq.Entry{}, errors.New("database connection unavailable")
	}
	return scanEntry(s.db.QueryRowContext(ctx, entryQuery+` where id = $1`, id))
}

func (s *Store) Enqueue(ctx context.Context, req syncq.EnqueueRequest) (syncq.Entry, error) {
	if s.db == nil {
		return syncq.Entry{}, errors.New("database connection unavailable")
	}
	if req.ItemID == "" || req.SourceDeviceID == "" {
		return syncq.Entry{}, fmt.Errorf("%w: item_id and source_device_id are required", syncq.ErrInvalidInput)
	}
	canSync, err := rbac.HasPermission(req.Requester.Role, rbac.PermissionSync)
	if err != nil {
		return syncq.Entry{}, err
	}
	if !canSync {
		return syncq.Entry{}, fmt.Errorf("%w: role %s cannot sync", syncq.ErrPermissionDenied, req.Requester.Role)
	}
	action := req.Action
	if action == "" {
		action = syncq.ActionValidated
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncq.Entry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `select 1 from sync_items where id = $1`, req.ItemID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return syncq.Entry{}, syncq.ErrUnknownItem
		}
		return syncq.Entry{}, err
	}

	entry := syncq.Entry{
		ID:             ids.New(),
		ItemID:         req.ItemID,
		SourceDeviceID: req.SourceDeviceID,
		TargetDeviceID: req.TargetDeviceID,
		SourceVersion:  req.SourceVersion,
		Requester:      req.Requester,
		Action:         action,
		Priority:       rbac.SyncPriority(req.Requester.Role),
		Status:         syncq.EntryPending,
	}
	row := tx.QueryRowContext(ctx, `
		insert into sync_entries
			(id, item_id, source_device_id, target_device_id, source_version,
			 requester_id, requester_role, action, priority, status, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		returning seq, created_at
	`, entry.ID, entry.ItemID, entry.SourceDeviceID, nullIfEmpty(entry.TargetDeviceID), entry.SourceVersion,
		entry.Requester.UserID, string(entry.Requester.Role), string(entry.Action), entry.Priority, string(entry.Status))
	if err := row.Scan(&entry.Seq, &entry.CreatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return syncq.Entry{}, syncq.ErrUnknownItem
		}
		return syncq.Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return syncq.Entry{}, err
	}
	s.publishDepth(ctx)
	return entry, nil
}

// dequeueAttempts bounds how often a claim lost to the in-flight index is
// retried before reporting an idle queue.
const dequeueAttempts = 3

// DequeueNext claims the best schedulable entry. SKIP LOCKED lets concurrent
// workers race for different rows instead of blocking on the same one. The
// NOT EXISTS clause filters items that already have an in-flight entry, but
// under read committed it cannot see a claim another worker has not committed
// yet; the uq_sync_entries_inflight partial unique index is the hard guarantee,
// and a claim that trips it is retried against the remaining entries.
func (s *Store) DequeueNext(ctx context.Context) (syncq.Entry, bool, error) {
	if s.db == nil {
		return syncq.Entry{}, false, errors.New("database connection unavailable")
	}
	for attempt := 0; attempt < dequeueAttempts; attempt++ {
		entry, ok, err := s.claimNext(ctx)
		if errors.Is(err, syncq.ErrItemBusy) {
			continue
		}
		if err != nil || !ok {
			return syncq.Entry{}, false, err
		}
		s.publishDepth(ctx)
		return entry, true, nil
	}
	return syncq.Entry{}, false, nil
}

func (s *Store) claimNext(ctx context.Context) (syncq.Entry, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncq.Entry{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	entry, err := scanEntry(tx.QueryRowContext(ctx, entryQuery+`
		where status = $1
		  and not exists (
			select 1 from sync_entries busy
			where busy.item_id = sync_entries.item_id and busy.status = $2
		  )
		order by priority desc, seq asc
		limit 1
		for update skip locked
	`, string(syncq.EntryPending), string(syncq.EntryInProgress)))
	if errors.Is(err, syncq.ErrUnknownEntry) {
		return syncq.Entry{}, false, nil
	}
	if err != nil {
		return syncq.Entry{}, false, err
	}
	if err := s.startInTx(ctx, tx, &entry); err != nil {
		return syncq.Entry{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return syncq.Entry{}, false, err
	}
	return entry, true, nil
}

func (s *Store) Start(ctx context.Context, entryID string) (syncq.Entry, error) {
	if s.db == nil {
		return syncq.Entry{}, errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncq.Entry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	entry, err := scanEntry(tx.QueryRowContext(ctx, entryQuery+` where id = $1 for update`, entryID))
	if err != nil {
		return syncq.Entry{}, err
	}
	if entry.Status != syncq.EntryPending {
		return syncq.Entry{}, fmt.Errorf("%w: entry is %s", syncq.ErrInvalidTransition, entry.Status)
	}
	var busy int
	err = tx.QueryRowContext(ctx, `
		select 1 from sync_entries where item_id = $1 and status = $2
	`, entry.ItemID, string(syncq.EntryInProgress)).Scan(&busy)
	if err == nil {
		return syncq.Entry{}, syncq.ErrItemBusy
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return syncq.Entry{}, err
	}
	if err := s.startInTx(ctx, tx, &entry); err != nil {
		return syncq.Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return syncq.Entry{}, err
	}
	s.publishDepth(ctx)
	return entry, nil
}

// startInTx marks a claimed entry IN_PROGRESS and its item SYNCING. A unique
// violation on the in-flight index means another worker claimed a sibling
// entry first and surfaces as ErrItemBusy.
func (s *Store) startInTx(ctx context.Context, tx *sql.Tx, entry *syncq.Entry) error {
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		update sync_entries set status = $1, started_at = $2 where id = $3
	`, string(syncq.EntryInProgress), now, entry.ID); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return syncq.ErrItemBusy
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update sync_items set status = $1 where id = $2
	`, string(syncq.ItemSyncing), entry.ItemID); err != nil {
		return err
	}
	entry.Status = syncq.EntryInProgress
	entry.StartedAt = now
	return nil
}

func (s *Store) MarkCompleted(ctx context.Context, entryID string, action syncq.Action) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	entry, err := scanEntry(tx.QueryRowContext(ctx, entryQuery+` where id = $1 for update`, entryID))
	if err != nil {
		return err
	}
	if entry.Status != syncq.EntryInProgress {
		return fmt.Errorf("%w: entry is %s", syncq.ErrInvalidTransition, entry.Status)
	}
	item, err := scanItem(tx.QueryRowContext(ctx, itemQuery+` where id = $1 for update`, entry.ItemID))
	if err != nil {
		return err
	}

	if action == "" {
		action = entry.Action
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		update sync_entries set status = $1, finished_at = $2 where id = $3
	`, string(syncq.EntryCompleted), now, entry.ID); err != nil {
		return err
	}
	newVersion := item.Version + 1
	if _, err := tx.ExecContext(ctx, `
		update sync_items
		set version = $1, status = $2, author_role = $3, updated_at = $4,
		    pending_device = null, pending_user = null, pending_role = null, pending_at = null
		where id = $5
	`, newVersion, string(syncq.ItemSynced), string(entry.Requester.Role), now, item.ID); err != nil {
		return err
	}
	if err := appendAudit(ctx, tx, item.ID, now, "completed",
		fmt.Sprintf("entry %s action %s version %d", entry.ID, action, newVersion)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	obs.IncCompleted(string(action))
	s.notify(&syncq.CompletionEvent{
		ItemID:    item.ID,
		MissionID: item.MissionID,
		UserID:    entry.Requester.UserID,
		Action:    action,
		Timestamp: now,
		Metadata: map[string]string{
			"entry_id":  entry.ID,
			"device_id": entry.SourceDeviceID,
			"version":   fmt.Sprintf("%d", newVersion),
		},
	})
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, entryID string, kind syncq.FailureKind) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	entry, err := scanEntry(tx.QueryRowContext(ctx, entryQuery+` where id = $1 for update`, entryID))
	if err != nil {
		return err
	}
	if entry.Status != syncq.EntryInProgress {
		return fmt.Errorf("%w: entry is %s", syncq.ErrInvalidTransition, entry.Status)
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		update sync_entries set status = $1, failure_kind = $2, finished_at = $3 where id = $4
	`, string(syncq.EntryFailed), string(kind), now, entry.ID); err != nil {
		return err
	}

	switch kind {
	case syncq.FailureConflict:
		// Park the incoming change on the item until someone decides.
		if _, err := tx.ExecContext(ctx, `
			update sync_items
			set status = $1, updated_at = $2,
			    pending_device = $3, pending_user = $4, pending_role = $5, pending_at = $2
			where id = $6
		`, string(syncq.ItemConflict), now, entry.SourceDeviceID,
			entry.Requester.UserID, string(entry.Requester.Role), entry.ItemID); err != nil {
			return err
		}
	case syncq.FailureConflictRejected:
		if _, err := tx.ExecContext(ctx, `
			update sync_items set status = $1, updated_at = $2 where id = $3
		`, string(syncq.ItemSynced), now, entry.ItemID); err != nil {
			return err
		}
	default:
		if _, err := tx.ExecContext(ctx, `
			update sync_items set status = $1, updated_at = $2 where id = $3
		`, string(syncq.ItemError), now, entry.ItemID); err != nil {
			return err
		}
	}
	if err := appendAudit(ctx, tx, entry.ItemID, now, "failed",
		fmt.Sprintf("entry %s kind %s", entry.ID, kind)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	obs.IncFailed(string(kind))
	return nil
}

func (s *Store) DetectConflict(ctx context.Context, entryID string) (bool, error) {
	if s.db == nil {
		return false, errors.New("database connection unavailable")
	}
	var sourceVersion, itemVersion int64
	err := s.db.QueryRowContext(ctx, `
		select e.source_version, i.version
		from sync_entries e
		join sync_items i on i.id = e.item_id
		where e.id = $1
	`, entryID).Scan(&sourceVersion, &itemVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return false, syncq.ErrUnknownEntry
	}
	if err != nil {
		return false, err
	}
	return sourceVersion != itemVersion, nil
}

func (s *Store) ResolveConflict(ctx context.Context, entryID string, override rbac.Strategy) (syncq.Resolution, error) {
	if s.db == nil {
		return syncq.Resolution{}, errors.New("database connection unavailable")
	}
	entry, err := s.GetEntry(ctx, entryID)
	if err != nil {
		return syncq.Resolution{}, err
	}
	if entry.Status != syncq.EntryInProgress {
		return syncq.Resolution{}, fmt.Errorf("%w: entry is %s", syncq.ErrInvalidTransition, entry.Status)
	}
	item, err := s.GetItem(ctx, entry.ItemID)
	if err != nil {
		return syncq.Resolution{}, err
	}

	now := time.Now().UTC()
	res, err := syncq.Resolve(entry, item, override, now)
	if err != nil {
		return syncq.Resolution{}, err
	}
	if err := appendAudit(ctx, s.db, item.ID, now, "resolution",
		fmt.Sprintf("strategy %s outcome %s entry %s", res.Strategy, res.Outcome, entry.ID)); err != nil {
		return syncq.Resolution{}, err
	}
	obs.IncConflict(string(res.Strategy))
	return res, nil
}

func (s *Store) ResolveLayerConflict(ctx context.Context, itemID string, decision syncq.Decision) (syncq.Item, error) {
	if s.db == nil {
		return syncq.Item{}, errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncq.Item{}, err
	}
	defer func() { _ = tx.Rollback() }()

	item, err := scanItem(tx.QueryRowContext(ctx, itemQuery+` where id = $1 for update`, itemID))
	if err != nil {
		return syncq.Item{}, err
	}
	if item.Status != syncq.ItemConflict {
		return syncq.Item{}, fmt.Errorf("%w: item is %s", syncq.ErrNoResolutionPending, item.Status)
	}

	now := time.Now().UTC()
	var event *syncq.CompletionEvent
	switch decision {
	case syncq.DecisionKeepLocal:
		item.Status = syncq.ItemSynced
	case syncq.DecisionUseRemote:
		item.Version++
		item.Status = syncq.ItemSynced
		if item.PendingRemote != nil {
			item.AuthorRole = item.PendingRemote.Actor.Role
		}
		event = manualEvent(item, syncq.ActionModified, now)
	case syncq.DecisionMerge:
		item.Version++
		item.Status = syncq.ItemSynced
		if item.PendingRemote != nil {
			item.AuthorRole = rbac.Max(item.AuthorRole, item.PendingRemote.Actor.Role)
		}
		event = manualEvent(item, syncq.ActionMerged, now)
	default:
		return syncq.Item{}, fmt.Errorf("%w: unsupported decision %q", syncq.ErrInvalidInput, decision)
	}
	item.UpdatedAt = now
	item.PendingRemote = nil

	if _, err := tx.ExecContext(ctx, `
		update sync_items
		set version = $1, status = $2, author_role = $3, updated_at = $4,
		    pending_device = null, pending_user = null, pending_role = null, pending_at = null
		where id = $5
	`, item.Version, string(item.Status), string(item.AuthorRole), now, item.ID); err != nil {
		return syncq.Item{}, err
	}
	if err := appendAudit(ctx, tx, item.ID, now, "manual_resolution",
		fmt.Sprintf("decision %s version %d", decision, item.Version)); err != nil {
		return syncq.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return syncq.Item{}, err
	}

	if event != nil {
		obs.IncCompleted(string(event.Action))
		s.notify(event)
	}
	return item, nil
}

func (s *Store) Withdraw(ctx context.Context, entryID string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		delete from sync_entries where id = $1 and status = $2
	`, entryID, string(syncq.EntryPending))
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		entry, err := s.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: entry is %s", syncq.ErrInvalidTransition, entry.Status)
	}
	s.publishDepth(ctx)
	return nil
}

func (s *Store) PendingDepth(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	var depth int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from sync_entries where status = $1
	`, string(syncq.EntryPending)).Scan(&depth)
	if err != nil {
		return 0, err
	}
	return depth, nil
}

func (s *Store) publishDepth(ctx context.Context) {
	if depth, err := s.PendingDepth(ctx); err == nil {
		obs.SetQueueDepth(depth)
	}
}

func (s *Store) itemAudit(ctx context.Context, itemID string) ([]syncq.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select at, event, detail
		from sync_item_audit
		where item_id = $1
		order by id
	`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []syncq.AuditEntry
	for rows.Next() {
		var (
			a      syncq.AuditEntry
			detail sql.NullString
		)
		if err := rows.Scan(&a.At, &a.Event, &detail); err != nil {
			return nil, err
		}
		if detail.Valid {
			a.Detail = detail.String
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// execer abstracts *sql.DB and *sql.Tx for audit appends.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendAudit(ctx context.Context, ex execer, itemID string, at time.Time, event, detail string) error {
	_, err := ex.ExecContext(ctx, `
		insert into sync_item_audit (item_id, at, event, detail)
		values ($1, $2, $3, $4)
	`, itemID, at, event, nullIfEmpty(detail))
	return err
}

// manualEvent builds the completion event for an accepted manual decision.
func manualEvent(item syncq.Item, action syncq.Action, now time.Time) *syncq.CompletionEvent {
	userID := item.OwnerID
	deviceID := ""
	if item.PendingRemote != nil {
		userID = item.PendingRemote.Actor.UserID
		deviceID = item.PendingRemote.DeviceID
	}
	return &syncq.CompletionEvent{
		ItemID:    item.ID,
		MissionID: item.MissionID,
		UserID:    userID,
		Action:    action,
		Timestamp: now,
		Metadata: map[string]string{
			"device_id": deviceID,
			"version":   fmt.Sprintf("%d", item.Version),
			"manual":    "true",
		},
	}
}

const itemQuery = `
	select id, owner_id, mission_id, name, version, status, author_role, updated_at,
	       pending_device, pending_user, pending_role, pending_at
	from sync_items`

func scanItem(row *sql.Row) (syncq.Item, error) {
	var (
		item          syncq.Item
		pendingDevice sql.NullString
		pendingUser   sql.NullString
		pendingRole   sql.NullString
		pendingAt     sql.NullTime
	)
	err := row.Scan(&item.ID, &item.OwnerID, &item.MissionID, &item.Name, &item.Version,
		&item.Status, &item.AuthorRole, &item.UpdatedAt,
		&pendingDevice, &pendingUser, &pendingRole, &pendingAt)
	if errors.Is(err, sql.ErrNoRows) {
		return syncq.Item{}, syncq.ErrUnknownItem
	}
	if err != nil {
		return syncq.Item{}, err
	}
	if pendingDevice.Valid || pendingUser.Valid {
		item.PendingRemote = &syncq.RemoteChange{
			DeviceID: pendingDevice.String,
			Actor: syncq.Actor{
				UserID: pendingUser.String,
				Role:   rbac.Role(pendingRole.String),
			},
			At: pendingAt.Time,
		}
	}
	return item, nil
}

const entryQuery = `
	select id, item_id, source_device_id, target_device_id, source_version,
	       requester_id, requester_role, action, priority, seq, status,
	       failure_kind, created_at, started_at, finished_at
	from sync_entries`

func scanEntry(row *sql.Row) (syncq.Entry, error) {
	var (
		e           syncq.Entry
		target      sql.NullString
		failureKind sql.NullString
		startedAt   sql.NullTime
		finishedAt  sql.NullTime
	)
	err := row.Scan(&e.ID, &e.ItemID, &e.SourceDeviceID, &target, &e.SourceVersion,
		&e.Requester.UserID, &e.Requester.Role, &e.Action, &e.Priority, &e.Seq, &e.Status,
		&failureKind, &e.CreatedAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return syncq.Entry{}, syncq.ErrUnknownEntry
	}
	if err != nil {
		return syncq.Entry{}, err
	}
	if target.Valid {
		e.TargetDeviceID = target.String
	}
	if failureKind.Valid {
		e.FailureKind = syncq.FailureKind(failureKind.String)
	}
	if startedAt.Valid {
		e.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		e.FinishedAt = finishedAt.Time
	}
	return e, nil
}

func nullIfEmpty(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
