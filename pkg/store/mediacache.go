// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"time"

	"go.mau.fi/util/dbutil"
)

// MediaSide names the platform a cached upload lives on.
type MediaSide string

const (
	MediaSideFeishu MediaSide = "feishu"
	MediaSideMatrix MediaSide = "matrix"
)

// MediaCacheEntry deduplicates uploads: the same content hash is uploaded to
// each side at most once and the remote key is reused afterwards.
type MediaCacheEntry struct {
	ContentSHA256 string
	Side          MediaSide
	RemoteKey     string
	MimeType      string
	SizeBytes     int64
	CreatedAt     time.Time
}

type MediaQuery struct {
	db *dbutil.Database
}

// Lookup returns the cached upload for (sha256, side), or nil.
func (mq *MediaQuery) Lookup(ctx context.Context, sha256 string, side MediaSide) (*MediaCacheEntry, error) {
	var entry MediaCacheEntry
	var createdAt int64
	err := mq.db.QueryRow(ctx, `
		SELECT content_sha256, side, remote_key, mime_type, size_bytes, created_at
		FROM media_cache WHERE content_sha256=$1 AND side=$2
	`, sha256, side).Scan(
		&entry.ContentSHA256, &entry.Side, &entry.RemoteKey,
		&entry.MimeType, &entry.SizeBytes, &createdAt,
	)
	if err != nil {
		return nil, nilIfNoRows(err)
	}
	entry.CreatedAt = time.UnixMilli(createdAt)
	return &entry, nil
}

// Remember stores the remote key for an upload, replacing any previous entry
// for the same content and side.
func (mq *MediaQuery) Remember(ctx context.Context, entry *MediaCacheEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := mq.db.Exec(ctx, `
		INSERT INTO media_cache (content_sha256, side, remote_key, mime_type, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (content_sha256, side) DO UPDATE SET
			remote_key=excluded.remote_key,
			mime_type=excluded.mime_type,
			size_bytes=excluded.size_bytes
	`, entry.ContentSHA256, entry.Side, entry.RemoteKey,
		entry.MimeType, entry.SizeBytes, entry.CreatedAt.UnixMilli())
	return err
}
