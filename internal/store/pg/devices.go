package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"stratasync.io/internal/device"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var _ device.Store = (*Store)(nil)

func (s *Store) CreateDevice(ctx context.Context, d device.Device) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into devices (id, user_id, type, status, mobility, last_seen, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, d.ID, d.UserID, string(d.Type), string(d.Status), string(d.Mobility), d.LastSeen, d.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return device.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) GetDevice(ctx context.Context, id string) (device.Device, error) {
	if s.db == nil {
		return device.Device{}, errors.New("database connection unavailable")
	}
	var d device.Device
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, type, status, mobility, last_seen, created_at
		from devices
		where id = $1
	`, id).Scan(&d.ID, &d.UserID, &d.Type, &d.Status, &d.Mobility, &d.LastSeen, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return device.Device{}, device.ErrUnknownDevice
	}
	if err != nil {
		return device.Device{}, err
	}
	return d, nil
}

func (s *Store) CountByUser(ctx context.Context, userID string) (int, error) {
	if s.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from devices where user_id = $1
	`, userID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]device.Device, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, type, status, mobility, last_seen, created_at
		from devices
		where user_id = $1
		order by created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []device.Device
	for rows.Next() {
		var d device.Device
		if err := rows.Scan(&d.ID, &d.UserID, &d.Type, &d.Status, &d.Mobility, &d.LastSeen, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdateDeviceStatus(ctx context.Context, id string, status device.Status, seenAt time.Time) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update devices set status = $1, last_seen = $2 where id = $3
	`, string(status), seenAt, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return device.ErrUnknownDevice
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
