// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"time"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// UserMapping pairs a Matrix user (usually a puppet) with a Feishu identity.
type UserMapping struct {
	MatrixUserID  id.UserID
	FeishuOpenID  string
	FeishuUnionID string
	DisplayName   string
	AvatarURL     string
	LastSyncedAt  time.Time
}

// Stale reports whether the profile data is older than ttl and should be
// refreshed from the Feishu contact API.
func (um *UserMapping) Stale(ttl time.Duration) bool {
	return time.Since(um.LastSyncedAt) > ttl
}

type UserQuery struct {
	db *dbutil.Database
}

const userColumns = `feishu_open_id, matrix_user_id, feishu_union_id, display_name, avatar_url, last_synced_at`

func (uq *UserQuery) scanRow(row dbutil.Scannable) (*UserMapping, error) {
	var um UserMapping
	var unionID, avatarURL sql.NullString
	var lastSynced int64
	err := row.Scan(&um.FeishuOpenID, &um.MatrixUserID, &unionID, &um.DisplayName, &avatarURL, &lastSynced)
	if err != nil {
		return nil, nilIfNoRows(err)
	}
	um.FeishuUnionID = stringOrEmpty(unionID)
	um.AvatarURL = stringOrEmpty(avatarURL)
	um.LastSyncedAt = time.UnixMilli(lastSynced)
	return &um, nil
}

// Upsert creates or refreshes the mapping and stamps last_synced_at.
func (uq *UserQuery) Upsert(ctx context.Context, um *UserMapping) error {
	um.LastSyncedAt = time.Now()
	_, err := uq.db.Exec(ctx, `
		INSERT INTO user_mapping (feishu_open_id, matrix_user_id, feishu_union_id, display_name, avatar_url, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (feishu_open_id) DO UPDATE SET
			feishu_union_id=excluded.feishu_union_id,
			display_name=excluded.display_name,
			avatar_url=excluded.avatar_url,
			last_synced_at=excluded.last_synced_at
	`, um.FeishuOpenID, um.MatrixUserID, nullableString(um.FeishuUnionID),
		um.DisplayName, nullableString(um.AvatarURL), um.LastSyncedAt.UnixMilli())
	return wrapConflict(err)
}

func (uq *UserQuery) GetByFeishuID(ctx context.Context, openID string) (*UserMapping, error) {
	return uq.scanRow(uq.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM user_mapping WHERE feishu_open_id=$1`, openID))
}

func (uq *UserQuery) GetByMatrixID(ctx context.Context, userID id.UserID) (*UserMapping, error) {
	return uq.scanRow(uq.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM user_mapping WHERE matrix_user_id=$1`, userID))
}

// List returns mappings ordered by open ID. A non-positive limit returns
// everything.
func (uq *UserQuery) List(ctx context.Context, limit, offset int) ([]*UserMapping, error) {
	query := `SELECT ` + userColumns + ` FROM user_mapping ORDER BY feishu_open_id`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}
	rows, err := uq.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*UserMapping
	for rows.Next() {
		um, err := uq.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, um)
	}
	return out, rows.Err()
}

func (uq *UserQuery) Count(ctx context.Context) (int, error) {
	var count int
	err := uq.db.QueryRow(ctx, `SELECT COUNT(*) FROM user_mapping`).Scan(&count)
	return count, err
}
