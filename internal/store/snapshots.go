package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mkrell/salesrunner/internal/agent"
)

// SaveSnapshot upserts a worker's state keyed by worker name.
func (s *Store) SaveSnapshot(ctx context.Context, state *agent.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", state.Name, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO worker_snapshots (worker_name, state, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (worker_name) DO UPDATE SET
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at`,
		state.Name, data, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", state.Name, err)
	}
	return nil
}

// LoadSnapshot returns the persisted state for a worker, or nil when the
// worker has never been saved.
func (s *Store) LoadSnapshot(ctx context.Context, name string) (*agent.State, error) {
	var data []byte
	err := s.db.QueryRow(ctx,
		`SELECT state FROM worker_snapshots WHERE worker_name = $1`, name,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", name, err)
	}

	var state agent.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", name, err)
	}
	return &state, nil
}

// DeleteSnapshot removes a worker's persisted state.
func (s *Store) DeleteSnapshot(ctx context.Context, name string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM worker_snapshots WHERE worker_name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete snapshot %s: %w", name, err)
	}
	return nil
}
