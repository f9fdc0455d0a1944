package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StuckMarker counts failed finish-transaction calls.
type StuckMarker struct {
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// IncrementStuck records one failed finish call at now and returns the
// updated marker.
func (s *Store) IncrementStuck(ctx context.Context, now time.Time) (StuckMarker, error) {
	var m StuckMarker
	var first, last int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO stuck_marker (id, count, first_seen, last_seen)
		VALUES (1, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			count = stuck_marker.count + 1,
			last_seen = excluded.last_seen
		RETURNING count, first_seen, last_seen
	`, toMillis(now), toMillis(now)).Scan(&m.Count, &first, &last)
	if err != nil {
		return StuckMarker{}, fmt.Errorf("increment stuck: %w", err)
	}
	m.FirstSeen = fromMillis(first)
	m.LastSeen = fromMillis(last)
	return m, nil
}

// StuckMarker returns the active stuck marker. A marker whose count
// exceeds the configured maximum or whose first occurrence is older than
// the maximum age is expired: it is deleted and reported as absent.
func (s *Store) StuckMarker(ctx context.Context, now time.Time) (StuckMarker, bool, error) {
	var m StuckMarker
	var first, last int64
	err := s.db.QueryRowContext(ctx, `
		SELECT count, first_seen, last_seen FROM stuck_marker WHERE id = 1
	`).Scan(&m.Count, &first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return StuckMarker{}, false, nil
	}
	if err != nil {
		return StuckMarker{}, false, fmt.Errorf("read stuck marker: %w", err)
	}
	m.FirstSeen = fromMillis(first)
	m.LastSeen = fromMillis(last)

	if m.Count > s.stuckMaxCount || now.Sub(m.FirstSeen) >= s.stuckMaxAge {
		if err := s.ClearStuck(ctx); err != nil {
			return StuckMarker{}, false, err
		}
		return StuckMarker{}, false, nil
	}
	return m, true, nil
}

// ClearStuck deletes the stuck marker.
func (s *Store) ClearStuck(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM stuck_marker`); err != nil {
		return fmt.Errorf("clear stuck: %w", err)
	}
	return nil
}

// SetEntitled writes the local entitlement flag.
func (s *Store) SetEntitled(ctx context.Context, unlocked bool, at time.Time) error {
	v := 0
	if unlocked {
		v = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entitlement (id, unlocked, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			unlocked = excluded.unlocked,
			updated_at = excluded.updated_at
	`, v, toMillis(at))
	if err != nil {
		return fmt.Errorf("write entitlement: %w", err)
	}
	return nil
}

// Entitled reads the local entitlement flag. Absent means locked.
func (s *Store) Entitled(ctx context.Context) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT unlocked FROM entitlement WHERE id = 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read entitlement: %w", err)
	}
	return v == 1, nil
}
