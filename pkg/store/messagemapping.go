// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// Direction of a bridged message.
type Direction string

const (
	DirectionMatrixToFeishu Direction = "m2f"
	DirectionFeishuToMatrix Direction = "f2m"
)

// MessageKind is the coarse payload category of a bridged message.
type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindMedia  MessageKind = "media"
	MessageKindCard   MessageKind = "card"
	MessageKindNotice MessageKind = "notice"
)

// MessageStatus is the delivery state of a mapping. A mapping starts
// pending, becomes committed once the remote side accepted the message and
// ends redacted when either side recalls it.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageCommitted MessageStatus = "committed"
	MessageRedacted  MessageStatus = "redacted"
)

// MessageMapping pairs one message on each side of the bridge. Exactly one
// of the two identifiers may be empty while the mapping is pending.
type MessageMapping struct {
	MatrixEventID    id.EventID
	FeishuMessageID  string
	MatrixRoomID     id.RoomID
	FeishuChatID     string
	Direction        Direction
	Kind             MessageKind
	Status           MessageStatus
	ThreadRootFeishu string
	ThreadRootMatrix id.EventID
	ParentFeishu     string
	ParentMatrix     id.EventID
	ContentHash      string
	CreatedAt        time.Time
}

type MessageQuery struct {
	db *dbutil.Database
}

const messageColumns = `matrix_event_id, feishu_message_id, matrix_room_id, feishu_chat_id, direction, kind, status,
	thread_root_feishu, thread_root_matrix, parent_feishu, parent_matrix, content_hash, created_at`

func (mq *MessageQuery) scanRow(row dbutil.Scannable) (*MessageMapping, error) {
	var mm MessageMapping
	var threadRootFeishu, threadRootMatrix, parentFeishu, parentMatrix sql.NullString
	var createdAt int64
	err := row.Scan(
		&mm.MatrixEventID, &mm.FeishuMessageID, &mm.MatrixRoomID, &mm.FeishuChatID,
		&mm.Direction, &mm.Kind, &mm.Status,
		&threadRootFeishu, &threadRootMatrix, &parentFeishu, &parentMatrix,
		&mm.ContentHash, &createdAt,
	)
	if err != nil {
		return nil, nilIfNoRows(err)
	}
	mm.ThreadRootFeishu = stringOrEmpty(threadRootFeishu)
	mm.ThreadRootMatrix = id.EventID(stringOrEmpty(threadRootMatrix))
	mm.ParentFeishu = stringOrEmpty(parentFeishu)
	mm.ParentMatrix = id.EventID(stringOrEmpty(parentMatrix))
	mm.CreatedAt = time.UnixMilli(createdAt)
	return &mm, nil
}

// Insert records a new mapping. Duplicate identifiers on either side fail
// with ErrConflict.
func (mq *MessageQuery) Insert(ctx context.Context, mm *MessageMapping) error {
	if mm.MatrixEventID == "" && mm.FeishuMessageID == "" {
		return fmt.Errorf("message mapping needs at least one identifier")
	}
	if mm.Kind == "" {
		mm.Kind = MessageKindText
	}
	if mm.Status == "" {
		mm.Status = MessagePending
	}
	if mm.CreatedAt.IsZero() {
		mm.CreatedAt = time.Now()
	}
	_, err := mq.db.Exec(ctx, `
		INSERT INTO message_mapping (matrix_event_id, feishu_message_id, matrix_room_id, feishu_chat_id, direction, kind, status,
			thread_root_feishu, thread_root_matrix, parent_feishu, parent_matrix, content_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, mm.MatrixEventID, mm.FeishuMessageID, mm.MatrixRoomID, mm.FeishuChatID,
		mm.Direction, mm.Kind, mm.Status,
		nullableString(mm.ThreadRootFeishu), nullableString(string(mm.ThreadRootMatrix)),
		nullableString(mm.ParentFeishu), nullableString(string(mm.ParentMatrix)),
		mm.ContentHash, mm.CreatedAt.UnixMilli())
	return wrapConflict(err)
}

func (mq *MessageQuery) GetByMatrixID(ctx context.Context, eventID id.EventID) (*MessageMapping, error) {
	return mq.scanRow(mq.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM message_mapping WHERE matrix_event_id=$1`, eventID))
}

func (mq *MessageQuery) GetByFeishuID(ctx context.Context, messageID string) (*MessageMapping, error) {
	return mq.scanRow(mq.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM message_mapping WHERE feishu_message_id=$1`, messageID))
}

// GetByRoomAndHash finds the most recent mapping in a room with the given
// normalized content hash. Used to skip no-op edits and duplicate sends.
func (mq *MessageQuery) GetByRoomAndHash(ctx context.Context, roomID id.RoomID, hash string) (*MessageMapping, error) {
	return mq.scanRow(mq.db.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM message_mapping
		WHERE matrix_room_id=$1 AND content_hash=$2 AND content_hash <> '' AND status <> $3
		ORDER BY created_at DESC LIMIT 1
	`, roomID, hash, MessageRedacted))
}

// CommitByMatrixID fills in the Feishu message ID the remote accepted and
// moves the mapping to committed.
func (mq *MessageQuery) CommitByMatrixID(ctx context.Context, eventID id.EventID, feishuMessageID string) error {
	_, err := mq.db.Exec(ctx, `
		UPDATE message_mapping SET feishu_message_id=$1, status=$2
		WHERE matrix_event_id=$3
	`, feishuMessageID, MessageCommitted, eventID)
	return wrapConflict(err)
}

// CommitByFeishuID fills in the Matrix event ID the homeserver accepted and
// moves the mapping to committed.
func (mq *MessageQuery) CommitByFeishuID(ctx context.Context, feishuMessageID string, eventID id.EventID) error {
	_, err := mq.db.Exec(ctx, `
		UPDATE message_mapping SET matrix_event_id=$1, status=$2
		WHERE feishu_message_id=$3
	`, eventID, MessageCommitted, feishuMessageID)
	return wrapConflict(err)
}

// SetContentHash records the hash of the latest accepted content after an
// edit went through.
func (mq *MessageQuery) SetContentHash(ctx context.Context, eventID id.EventID, hash string) error {
	_, err := mq.db.Exec(ctx,
		`UPDATE message_mapping SET content_hash=$1 WHERE matrix_event_id=$2`, hash, eventID)
	return err
}

// MarkRedactedByMatrixID transitions the mapping to the terminal redacted
// state, keyed by the Matrix side.
func (mq *MessageQuery) MarkRedactedByMatrixID(ctx context.Context, eventID id.EventID) error {
	_, err := mq.db.Exec(ctx,
		`UPDATE message_mapping SET status=$1 WHERE matrix_event_id=$2`, MessageRedacted, eventID)
	return err
}

// MarkRedactedByFeishuID transitions the mapping to the terminal redacted
// state, keyed by the Feishu side.
func (mq *MessageQuery) MarkRedactedByFeishuID(ctx context.Context, messageID string) error {
	_, err := mq.db.Exec(ctx,
		`UPDATE message_mapping SET status=$1 WHERE feishu_message_id=$2`, MessageRedacted, messageID)
	return err
}

func (mq *MessageQuery) Count(ctx context.Context) (int, error) {
	var count int
	err := mq.db.QueryRow(ctx, `SELECT COUNT(*) FROM message_mapping`).Scan(&count)
	return count, err
}
