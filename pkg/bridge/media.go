// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-feishu/pkg/feishu"
	"github.com/aiku/mautrix-feishu/pkg/store"
)

// mediaBridge moves attachments across the bridge. Uploads are content
// addressed: the SHA-256 of the bytes keys a per-side cache so the same
// payload is uploaded to each platform at most once, and concurrent
// transfers of identical content collapse into a single upload.
type mediaBridge struct {
	db      *store.Store
	fs      FeishuAPI
	mx      MatrixAPI
	metrics *Metrics
	log     zerolog.Logger
	uploads singleflight.Group
}

func newMediaBridge(db *store.Store, fs FeishuAPI, mx MatrixAPI, metrics *Metrics, log zerolog.Logger) *mediaBridge {
	return &mediaBridge{db: db, fs: fs, mx: mx, metrics: metrics, log: log}
}

// uploadToFeishu fetches a Matrix attachment and returns the Feishu message
// type and content JSON referencing the uploaded copy.
func (mb *mediaBridge) uploadToFeishu(ctx context.Context, content *event.MessageEventContent) (string, string, error) {
	if content.File != nil {
		return "", "", fmt.Errorf("encrypted media is not supported")
	}
	if content.URL == "" {
		return "", "", fmt.Errorf("media event has no content URL")
	}
	data, err := mb.mx.DownloadMedia(ctx, content.URL)
	if err != nil {
		return "", "", fmt.Errorf("download %s: %w", content.URL, err)
	}
	mime := ""
	if content.Info != nil {
		mime = content.Info.MimeType
	}
	sum := hashBytes(data)

	key, err := mb.remoteKey(ctx, sum, store.MediaSideFeishu, func() (string, string, error) {
		if content.MsgType == event.MsgImage {
			imageKey, upErr := mb.fs.UploadImage(ctx, data)
			return imageKey, mime, upErr
		}
		fileKey, upErr := mb.fs.UploadFile(ctx, feishuFileType(content.MsgType, mime), content.Body, data)
		return fileKey, mime, upErr
	}, int64(len(data)))
	if err != nil {
		return "", "", err
	}

	switch content.MsgType {
	case event.MsgImage:
		body, _ := json.Marshal(feishu.ImageContent{ImageKey: key})
		return feishu.MsgTypeImage, string(body), nil
	case event.MsgAudio:
		body, _ := json.Marshal(feishu.FileContent{FileKey: key})
		return feishu.MsgTypeAudio, string(body), nil
	case event.MsgVideo:
		body, _ := json.Marshal(feishu.FileContent{FileKey: key})
		return feishu.MsgTypeMedia, string(body), nil
	default:
		body, _ := json.Marshal(feishu.FileContent{FileKey: key, FileName: content.Body})
		return feishu.MsgTypeFile, string(body), nil
	}
}

// fetchToMatrix downloads a Feishu message resource and returns the mxc URI
// of the re-uploaded copy along with its MIME type and size.
func (mb *mediaBridge) fetchToMatrix(ctx context.Context, messageID, fileKey, kind string) (id.ContentURIString, string, int64, error) {
	data, mime, err := mb.fs.DownloadResource(ctx, messageID, fileKey, kind)
	if err != nil {
		return "", "", 0, fmt.Errorf("download resource %s: %w", fileKey, err)
	}
	sum := hashBytes(data)
	uri, err := mb.remoteKey(ctx, sum, store.MediaSideMatrix, func() (string, string, error) {
		mxc, upErr := mb.mx.UploadMedia(ctx, data, mime, fileKey)
		return string(mxc), mime, upErr
	}, int64(len(data)))
	if err != nil {
		return "", "", 0, err
	}
	return id.ContentURIString(uri), mime, int64(len(data)), nil
}

// remoteKey resolves the remote identifier for a content hash on one side,
// uploading through the singleflight group on a cache miss.
func (mb *mediaBridge) remoteKey(ctx context.Context, sum string, side store.MediaSide, upload func() (string, string, error), size int64) (string, error) {
	entry, err := mb.db.Media.Lookup(ctx, sum, side)
	if err != nil {
		return "", fmt.Errorf("media cache lookup: %w", err)
	}
	if entry != nil {
		mb.metrics.Cache("media", true)
		return entry.RemoteKey, nil
	}
	mb.metrics.Cache("media", false)

	key, err, _ := mb.uploads.Do(string(side)+"|"+sum, func() (any, error) {
		// Re-check: a concurrent caller may have finished while we waited.
		if cached, lookupErr := mb.db.Media.Lookup(ctx, sum, side); lookupErr == nil && cached != nil {
			return cached.RemoteKey, nil
		}
		remote, mime, upErr := upload()
		if upErr != nil {
			return "", upErr
		}
		rememberErr := mb.db.Media.Remember(ctx, &store.MediaCacheEntry{
			ContentSHA256: sum,
			Side:          side,
			RemoteKey:     remote,
			MimeType:      mime,
			SizeBytes:     size,
		})
		if rememberErr != nil {
			mb.log.Warn().Err(rememberErr).Str("sha256", sum).Msg("Failed to record media upload")
		}
		return remote, nil
	})
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	return key.(string), nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// feishuFileType picks the Feishu upload file_type from the Matrix message
// type and MIME type. Unknown content falls back to an opaque stream.
func feishuFileType(msgType event.MessageType, mime string) string {
	switch msgType {
	case event.MsgAudio:
		return "opus"
	case event.MsgVideo:
		return "mp4"
	}
	switch {
	case strings.HasSuffix(mime, "/pdf"):
		return "pdf"
	case strings.HasPrefix(mime, "audio/"):
		return "opus"
	case strings.HasPrefix(mime, "video/"):
		return "mp4"
	default:
		return "stream"
	}
}
