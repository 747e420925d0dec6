// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"time"

	"go.mau.fi/util/dbutil"
)

// Source of a dedupe key in the processed-event table.
type Source string

const (
	SourceFeishu   Source = "feishu"
	SourceMatrix   Source = "matrix"
	SourceOutbound Source = "outbound"
)

type ProcessedQuery struct {
	db *dbutil.Database
}

// Record inserts the idempotency row for (source, key) and reports whether
// the key was fresh. A duplicate leaves the existing row untouched.
func (pq *ProcessedQuery) Record(ctx context.Context, source Source, key string) (fresh bool, err error) {
	res, err := pq.db.Exec(ctx, `
		INSERT INTO processed_event (source, dedupe_key, first_seen_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (source, dedupe_key) DO NOTHING
	`, source, key, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// Forget removes the idempotency row for (source, key). Used to clear an
// outbound claim once the delivery it guarded is committed.
func (pq *ProcessedQuery) Forget(ctx context.Context, source Source, key string) error {
	_, err := pq.db.Exec(ctx,
		`DELETE FROM processed_event WHERE source=$1 AND dedupe_key=$2`, source, key)
	return err
}

// IsProcessed checks the idempotency table without writing.
func (pq *ProcessedQuery) IsProcessed(ctx context.Context, source Source, key string) (bool, error) {
	var count int
	err := pq.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM processed_event WHERE source=$1 AND dedupe_key=$2`,
		source, key).Scan(&count)
	return count > 0, err
}

// Prune removes rows first seen before the cutoff and returns how many were
// deleted.
func (pq *ProcessedQuery) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := pq.db.Exec(ctx,
		`DELETE FROM processed_event WHERE first_seen_at < $1`, olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
