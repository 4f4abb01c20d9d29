package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/imkarma/ralph/internal/apperr"
)

// BattleLease is the claim one process holds on the project's single
// battle slot. The holder renews HeartbeatAt while its battle runs.
type BattleLease struct {
	Owner       string
	PID         int
	TaskID      string
	HeartbeatAt time.Time
}

// Live reports whether the lease was renewed within ttl of now.
func (l *BattleLease) Live(ttl time.Duration, now time.Time) bool {
	return l != nil && now.Sub(l.HeartbeatAt) < ttl
}

// AcquireBattleLease claims the battle slot for owner. A lease held by
// another owner is taken over only once its heartbeat is older than ttl;
// otherwise the claim fails with a StateConflict naming the holder.
func (s *Store) AcquireBattleLease(owner string, pid int, taskID string, ttl time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO battle_lease (id, owner, pid, task_id, heartbeat_ms) VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   owner = excluded.owner,
		   pid = excluded.pid,
		   task_id = excluded.task_id,
		   heartbeat_ms = excluded.heartbeat_ms
		 WHERE battle_lease.owner = excluded.owner OR battle_lease.heartbeat_ms < ?`,
		owner, pid, taskID, now.UnixMilli(), now.Add(-ttl).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("acquire battle lease: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	held, err := s.GetBattleLease()
	if err != nil {
		return err
	}
	if held == nil {
		return apperr.StateConflict("battle slot changed hands, try again")
	}
	return apperr.StateConflict("battle already in progress for %s in another process (pid %d)", held.TaskID, held.PID)
}

// RenewBattleLease refreshes the heartbeat. It returns false when owner no
// longer holds the lease.
func (s *Store) RenewBattleLease(owner string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE battle_lease SET heartbeat_ms = ? WHERE owner = ?`,
		time.Now().UTC().UnixMilli(), owner,
	)
	if err != nil {
		return false, fmt.Errorf("renew battle lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("renew battle lease: %w", err)
	}
	return n > 0, nil
}

// ReleaseBattleLease drops the lease if owner still holds it.
func (s *Store) ReleaseBattleLease(owner string) error {
	if _, err := s.db.Exec(`DELETE FROM battle_lease WHERE owner = ?`, owner); err != nil {
		return fmt.Errorf("release battle lease: %w", err)
	}
	return nil
}

// GetBattleLease returns the current lease, or nil when the slot is free.
func (s *Store) GetBattleLease() (*BattleLease, error) {
	var l BattleLease
	var ms int64
	err := s.db.QueryRow(
		`SELECT owner, pid, task_id, heartbeat_ms FROM battle_lease WHERE id = 1`,
	).Scan(&l.Owner, &l.PID, &l.TaskID, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get battle lease: %w", err)
	}
	l.HeartbeatAt = time.UnixMilli(ms).UTC()
	return &l, nil
}
