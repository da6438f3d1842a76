package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"docharvest/internal/model"
)

const scheduleColumns = `id, manufacturer_name, domain, product_lines, sharepoint_folder,
	cron, enabled, last_run, next_run, created_at`

func scanSchedule(row interface{ Scan(...any) error }) (*model.Schedule, error) {
	var (
		sc      model.Schedule
		lines   []byte
		lastRun sql.NullTime
		nextRun sql.NullTime
	)
	err := row.Scan(&sc.ID, &sc.ManufacturerName, &sc.Domain, &lines, &sc.SharePointFolder,
		&sc.Cron, &sc.Enabled, &lastRun, &nextRun, &sc.CreatedAt)
	if err != nil {
		return nil, err
	}
	sc.ProductLines = unmarshalLines(lines)
	if lastRun.Valid {
		t := lastRun.Time
		sc.LastRun = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		sc.NextRun = &t
	}
	return &sc, nil
}

// EnsureSchedule creates or refreshes the weekly recrawl template for a
// domain. The domain is the natural key so repeated completed jobs for
// the same site keep a single schedule.
func (s *Store) EnsureSchedule(ctx context.Context, sc *model.Schedule) error {
	if sc.ID == uuid.Nil {
		sc.ID = NewID()
	}
	if sc.Cron == "" {
		sc.Cron = "0 0 * * 0"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, manufacturer_name, domain, product_lines,
			sharepoint_folder, cron, enabled, next_run)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
		ON CONFLICT (domain) DO UPDATE SET
			manufacturer_name = EXCLUDED.manufacturer_name,
			product_lines = EXCLUDED.product_lines,
			sharepoint_folder = EXCLUDED.sharepoint_folder,
			enabled = TRUE`,
		sc.ID, sc.ManufacturerName, sc.Domain, marshalLines(sc.ProductLines),
		sc.SharePointFolder, sc.Cron, sc.NextRun)
	return err
}

func (s *Store) GetSchedule(ctx context.Context, id uuid.UUID) (*model.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	return scanSchedule(row)
}

func (s *Store) ListSchedules(ctx context.Context) ([]*model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ListDueSchedules returns enabled schedules whose next_run has passed.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time) ([]*model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE enabled AND next_run IS NOT NULL AND next_run <= $1
		 ORDER BY next_run ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ClaimScheduleRun advances a due schedule in one compare-and-set on
// next_run. Exactly one caller wins per tick even with several
// scheduler instances pointed at the same database.
func (s *Store) ClaimScheduleRun(ctx context.Context, id uuid.UUID, due, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_run = $1, next_run = $2
		WHERE id = $3 AND enabled AND next_run IS NOT NULL AND next_run <= $1`,
		due, next, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
