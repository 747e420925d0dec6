// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package store is the durable state of the bridge: room, user and message
// mappings, idempotency records, dead letters and the media cache, all in a
// single SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"

	"github.com/aiku/mautrix-feishu/pkg/store/upgrades"
)

// ErrConflict is returned when an insert or update would violate a unique
// key. The caller decides whether to merge or report.
var ErrConflict = errors.New("mapping conflict")

// Store bundles the query helpers for every table.
type Store struct {
	*dbutil.Database

	Room       *RoomQuery
	User       *UserQuery
	Message    *MessageQuery
	Processed  *ProcessedQuery
	DeadLetter *DeadLetterQuery
	Media      *MediaQuery
}

// New wraps a dbutil database and wires up the schema upgrade table.
// Upgrade must be called before the store is used.
func New(db *dbutil.Database) *Store {
	db.UpgradeTable = upgrades.Table
	return &Store{
		Database:   db,
		Room:       &RoomQuery{db},
		User:       &UserQuery{db},
		Message:    &MessageQuery{db},
		Processed:  &ProcessedQuery{db},
		DeadLetter: &DeadLetterQuery{db},
		Media:      &MediaQuery{db},
	}
}

// DoTxn runs fn inside a single write transaction. Queries made through the
// store with the callback's context join the transaction.
func (s *Store) DoTxn(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.Database.DoTxn(ctx, nil, fn)
}

// wrapConflict converts unique constraint violations into ErrConflict so
// callers don't have to know driver error codes.
func wrapConflict(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %s", ErrConflict, sqliteErr.Error())
		}
	}
	return err
}

// IsCorrupt reports whether err indicates database-level corruption rather
// than a bad query. Workers must stop on corruption instead of retrying.
func IsCorrupt(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code {
	case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
		return true
	}
	return false
}

func nilIfNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return err
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func stringOrEmpty(value sql.NullString) string {
	if value.Valid {
		return value.String
	}
	return ""
}
