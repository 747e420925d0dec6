// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"go.mau.fi/util/dbutil"
)

// DeadLetterStatus is the replay lifecycle of a failed work item.
type DeadLetterStatus string

const (
	DeadLetterPending   DeadLetterStatus = "pending"
	DeadLetterReplayed  DeadLetterStatus = "replayed"
	DeadLetterAbandoned DeadLetterStatus = "abandoned"
)

// DeadLetter is a work item that exhausted its retries (or hit a permanent
// error) and was parked for replay. DedupeKey collapses repeated failures of
// the same event into one row with a bumped attempt counter.
type DeadLetter struct {
	ID            int64
	Direction     Direction
	ChatID        string
	DedupeKey     string
	Payload       json.RawMessage
	ErrorClass    string
	LastError     string
	Attempts      int
	Status        DeadLetterStatus
	FirstFailedAt time.Time
	LastFailedAt  time.Time
}

// DeadLetterFilter narrows List, Count and Delete. Zero values match
// everything.
type DeadLetterFilter struct {
	ID        int64
	Status    DeadLetterStatus
	Direction Direction
	ChatID    string
	OlderThan time.Time
	Limit     int
}

type DeadLetterQuery struct {
	db *dbutil.Database
}

const deadLetterColumns = `id, direction, chat_id, dedupe_key, payload_blob, error_class, last_error, attempts, status, first_failed_at, last_failed_at`

func (dq *DeadLetterQuery) scanRow(row dbutil.Scannable) (*DeadLetter, error) {
	var dl DeadLetter
	var payload string
	var firstFailed, lastFailed int64
	err := row.Scan(
		&dl.ID, &dl.Direction, &dl.ChatID, &dl.DedupeKey, &payload,
		&dl.ErrorClass, &dl.LastError, &dl.Attempts, &dl.Status,
		&firstFailed, &lastFailed,
	)
	if err != nil {
		return nil, nilIfNoRows(err)
	}
	dl.Payload = json.RawMessage(payload)
	dl.FirstFailedAt = time.UnixMilli(firstFailed)
	dl.LastFailedAt = time.UnixMilli(lastFailed)
	return &dl, nil
}

// Enqueue parks a failed work item. A repeated failure with the same dedupe
// key updates the existing row in place: attempts is incremented, the error
// fields are refreshed and the status returns to pending.
func (dq *DeadLetterQuery) Enqueue(ctx context.Context, dl *DeadLetter) error {
	now := time.Now()
	if dl.FirstFailedAt.IsZero() {
		dl.FirstFailedAt = now
	}
	dl.LastFailedAt = now
	if dl.Status == "" {
		dl.Status = DeadLetterPending
	}
	if dl.Attempts <= 0 {
		dl.Attempts = 1
	}
	err := dq.db.QueryRow(ctx, `
		INSERT INTO dead_letter (direction, chat_id, dedupe_key, payload_blob, error_class, last_error, attempts, status, first_failed_at, last_failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (dedupe_key) DO UPDATE SET
			payload_blob=excluded.payload_blob,
			error_class=excluded.error_class,
			last_error=excluded.last_error,
			attempts=dead_letter.attempts+1,
			status=excluded.status,
			last_failed_at=excluded.last_failed_at
		RETURNING id
	`, dl.Direction, dl.ChatID, dl.DedupeKey, string(dl.Payload),
		dl.ErrorClass, dl.LastError, dl.Attempts, dl.Status,
		dl.FirstFailedAt.UnixMilli(), dl.LastFailedAt.UnixMilli()).Scan(&dl.ID)
	return err
}

func (dq *DeadLetterQuery) Get(ctx context.Context, id int64) (*DeadLetter, error) {
	return dq.scanRow(dq.db.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letter WHERE id=$1`, id))
}

func (filter *DeadLetterFilter) where() (string, []any) {
	var clauses []string
	var args []any
	add := func(column, op string, value any) {
		args = append(args, value)
		clauses = append(clauses, column+op+"$"+strconv.Itoa(len(args)))
	}
	if filter.ID != 0 {
		add("id", "=", filter.ID)
	}
	if filter.Status != "" {
		add("status", "=", filter.Status)
	}
	if filter.Direction != "" {
		add("direction", "=", filter.Direction)
	}
	if filter.ChatID != "" {
		add("chat_id", "=", filter.ChatID)
	}
	if !filter.OlderThan.IsZero() {
		add("last_failed_at", "<", filter.OlderThan.UnixMilli())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// List returns matching dead letters, oldest failure first.
func (dq *DeadLetterQuery) List(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetter, error) {
	where, args := filter.where()
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letter` + where + ` ORDER BY first_failed_at, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	rows, err := dq.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		dl, err := dq.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Count returns how many rows match the filter, ignoring its limit.
func (dq *DeadLetterQuery) Count(ctx context.Context, filter DeadLetterFilter) (int, error) {
	where, args := filter.where()
	var count int
	err := dq.db.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter`+where, args...).Scan(&count)
	return count, err
}

// CountByStatus returns row counts grouped by status.
func (dq *DeadLetterQuery) CountByStatus(ctx context.Context) (map[DeadLetterStatus]int, error) {
	rows, err := dq.db.Query(ctx, `SELECT status, COUNT(*) FROM dead_letter GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[DeadLetterStatus]int)
	for rows.Next() {
		var status DeadLetterStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// Mark sets the status of one row.
func (dq *DeadLetterQuery) Mark(ctx context.Context, id int64, status DeadLetterStatus) error {
	_, err := dq.db.Exec(ctx, `UPDATE dead_letter SET status=$1 WHERE id=$2`, status, id)
	return err
}

// RecordReplayFailure bumps the attempt counter after a replay that failed
// again and keeps the row pending.
func (dq *DeadLetterQuery) RecordReplayFailure(ctx context.Context, id int64, errorClass, lastError string) error {
	_, err := dq.db.Exec(ctx, `
		UPDATE dead_letter SET attempts=attempts+1, error_class=$1, last_error=$2, status=$3, last_failed_at=$4
		WHERE id=$5
	`, errorClass, lastError, DeadLetterPending, time.Now().UnixMilli(), id)
	return err
}

// Delete removes matching rows (the filter's limit applies) and returns how
// many were deleted.
func (dq *DeadLetterQuery) Delete(ctx context.Context, filter DeadLetterFilter) (int64, error) {
	where, args := filter.where()
	query := `DELETE FROM dead_letter` + where
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query = `DELETE FROM dead_letter WHERE id IN (SELECT id FROM dead_letter` + where +
			` ORDER BY first_failed_at, id LIMIT $` + strconv.Itoa(len(args)) + `)`
	}
	res, err := dq.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
