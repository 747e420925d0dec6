// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// ChatType mirrors the Feishu chat mode of a bridged room.
type ChatType string

const (
	ChatTypeGroup ChatType = "group"
	ChatTypeP2P   ChatType = "p2p"
	ChatTypeTopic ChatType = "topic"
)

// RoomStatus is the lifecycle state of a room mapping. Disbanded is terminal.
type RoomStatus string

const (
	RoomActive    RoomStatus = "active"
	RoomDisbanded RoomStatus = "disbanded"
)

// RoomMapping pairs one Matrix room with one Feishu chat. Both identifiers
// are unique keys, so active mappings are bijective.
type RoomMapping struct {
	MatrixRoomID  id.RoomID
	FeishuChatID  string
	ChatType      ChatType
	ThreadMode    bool
	DisplayName   string
	OwnerIdentity string
	Status        RoomStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RoomPatch updates only the fields present in a chat-updated event.
type RoomPatch struct {
	DisplayName *string
	ChatType    *ChatType
	ThreadMode  *bool
}

type RoomQuery struct {
	db *dbutil.Database
}

const roomColumns = `matrix_room_id, feishu_chat_id, chat_type, thread_mode, display_name, owner_identity, status, created_at, updated_at`

func (rq *RoomQuery) scanRow(row dbutil.Scannable) (*RoomMapping, error) {
	var rm RoomMapping
	var createdAt, updatedAt int64
	err := row.Scan(
		&rm.MatrixRoomID, &rm.FeishuChatID, &rm.ChatType, &rm.ThreadMode,
		&rm.DisplayName, &rm.OwnerIdentity, &rm.Status, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, nilIfNoRows(err)
	}
	rm.CreatedAt = time.UnixMilli(createdAt)
	rm.UpdatedAt = time.UnixMilli(updatedAt)
	return &rm, nil
}

// Upsert creates the mapping or refreshes its mutable fields. Pairing either
// identifier with a different counterpart than an existing row fails with
// ErrConflict; re-pairing requires an explicit delete first.
func (rq *RoomQuery) Upsert(ctx context.Context, rm *RoomMapping) error {
	if rm.ChatType == "" {
		rm.ChatType = ChatTypeGroup
	}
	if rm.Status == "" {
		rm.Status = RoomActive
	}
	now := time.Now()
	if rm.CreatedAt.IsZero() {
		rm.CreatedAt = now
	}
	rm.UpdatedAt = now
	return rq.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		existing, err := rq.GetByMatrixID(ctx, rm.MatrixRoomID)
		if err != nil {
			return err
		}
		if existing != nil && existing.FeishuChatID != rm.FeishuChatID {
			return fmt.Errorf("%w: %s is already paired with %s",
				ErrConflict, rm.MatrixRoomID, existing.FeishuChatID)
		}
		_, err = rq.db.Exec(ctx, `
			INSERT INTO room_mapping (matrix_room_id, feishu_chat_id, chat_type, thread_mode, display_name, owner_identity, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (matrix_room_id) DO UPDATE SET
				chat_type=excluded.chat_type,
				thread_mode=excluded.thread_mode,
				display_name=excluded.display_name,
				owner_identity=excluded.owner_identity,
				status=excluded.status,
				updated_at=excluded.updated_at
		`, rm.MatrixRoomID, rm.FeishuChatID, rm.ChatType, rm.ThreadMode,
			rm.DisplayName, rm.OwnerIdentity, rm.Status,
			rm.CreatedAt.UnixMilli(), rm.UpdatedAt.UnixMilli())
		return wrapConflict(err)
	})
}

func (rq *RoomQuery) GetByMatrixID(ctx context.Context, roomID id.RoomID) (*RoomMapping, error) {
	return rq.scanRow(rq.db.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM room_mapping WHERE matrix_room_id=$1`, roomID))
}

func (rq *RoomQuery) GetByFeishuID(ctx context.Context, chatID string) (*RoomMapping, error) {
	return rq.scanRow(rq.db.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM room_mapping WHERE feishu_chat_id=$1`, chatID))
}

// List returns mappings ordered by creation time. A non-positive limit
// returns everything.
func (rq *RoomQuery) List(ctx context.Context, limit, offset int) ([]*RoomMapping, error) {
	query := `SELECT ` + roomColumns + ` FROM room_mapping ORDER BY created_at, matrix_room_id`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}
	rows, err := rq.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RoomMapping
	for rows.Next() {
		rm, err := rq.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rm)
	}
	return out, rows.Err()
}

// Patch applies the non-nil fields of patch to the mapping for chatID.
func (rq *RoomQuery) Patch(ctx context.Context, chatID string, patch RoomPatch) error {
	var chatType any
	if patch.ChatType != nil {
		chatType = string(*patch.ChatType)
	}
	var threadMode any
	if patch.ThreadMode != nil {
		threadMode = *patch.ThreadMode
	}
	var displayName any
	if patch.DisplayName != nil {
		displayName = *patch.DisplayName
	}
	_, err := rq.db.Exec(ctx, `
		UPDATE room_mapping SET
			display_name=COALESCE($1, display_name),
			chat_type=COALESCE($2, chat_type),
			thread_mode=COALESCE($3, thread_mode),
			updated_at=$4
		WHERE feishu_chat_id=$5
	`, displayName, chatType, threadMode, time.Now().UnixMilli(), chatID)
	return err
}

// MarkDisbanded transitions the mapping for chatID to the terminal
// disbanded state. Message mappings are kept for historical lookup.
func (rq *RoomQuery) MarkDisbanded(ctx context.Context, chatID string) error {
	_, err := rq.db.Exec(ctx,
		`UPDATE room_mapping SET status=$1, updated_at=$2 WHERE feishu_chat_id=$3`,
		RoomDisbanded, time.Now().UnixMilli(), chatID)
	return err
}

// Delete removes the mapping for a Matrix room and reports whether a row
// existed.
func (rq *RoomQuery) Delete(ctx context.Context, roomID id.RoomID) (bool, error) {
	res, err := rq.db.Exec(ctx, `DELETE FROM room_mapping WHERE matrix_room_id=$1`, roomID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (rq *RoomQuery) Count(ctx context.Context) (int, error) {
	var count int
	err := rq.db.QueryRow(ctx, `SELECT COUNT(*) FROM room_mapping`).Scan(&count)
	return count, err
}
