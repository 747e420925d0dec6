// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-feishu/pkg/config"
	"github.com/aiku/mautrix-feishu/pkg/feishu"
	"github.com/aiku/mautrix-feishu/pkg/store"
)

// FeishuAPI is the slice of the Feishu Open Platform client the bridge
// engine calls. *feishu.Client implements it; tests substitute a fake.
type FeishuAPI interface {
	SendMessage(ctx context.Context, chatID, msgType, content, uuid string) (*feishu.MessageInfo, error)
	ReplyMessage(ctx context.Context, parentMessageID, msgType, content, uuid string, inThread bool) (*feishu.MessageInfo, error)
	UpdateMessage(ctx context.Context, messageID, msgType, content string) error
	RecallMessage(ctx context.Context, messageID string) error
	GetMessage(ctx context.Context, messageID string) (*feishu.MessageInfo, error)
	GetChat(ctx context.Context, chatID string) (*feishu.ChatInfo, error)
	GetUser(ctx context.Context, openID string) (*feishu.UserInfo, error)
	UploadImage(ctx context.Context, data []byte) (string, error)
	UploadFile(ctx context.Context, fileType, fileName string, data []byte) (string, error)
	DownloadResource(ctx context.Context, messageID, fileKey, resourceType string) ([]byte, string, error)
}

var _ FeishuAPI = (*feishu.Client)(nil)

// MatrixAPI is the slice of the homeserver appservice API the bridge engine
// calls. The production implementation wraps *appservice.AppService intents;
// tests substitute a fake.
type MatrixAPI interface {
	SendMessage(ctx context.Context, sender id.UserID, roomID id.RoomID, content *event.MessageEventContent, extra map[string]any) (id.EventID, error)
	SendNotice(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error)
	RedactEvent(ctx context.Context, sender id.UserID, roomID id.RoomID, eventID id.EventID) error
	CreateRoom(ctx context.Context, name, topic string) (id.RoomID, error)
	SetRoomName(ctx context.Context, roomID id.RoomID, name string) error
	EnsureRegistered(ctx context.Context, userID id.UserID) error
	SetDisplayName(ctx context.Context, userID id.UserID, displayname string) error
	EnsureJoined(ctx context.Context, userID id.UserID, roomID id.RoomID) error
	LeaveRoom(ctx context.Context, userID id.UserID, roomID id.RoomID) error
	DownloadMedia(ctx context.Context, uri id.ContentURIString) ([]byte, error)
	UploadMedia(ctx context.Context, data []byte, mimeType, fileName string) (id.ContentURIString, error)
}

// Bridge routes events between a Matrix homeserver and Feishu. Inbound work
// from either side is serialized per chat through ChatQueues; the mapping
// store is the single source of truth for room, user and message identity.
type Bridge struct {
	cfg     *config.Config
	log     zerolog.Logger
	db      *store.Store
	fs      FeishuAPI
	mx      MatrixAPI
	metrics *Metrics
	queues  *ChatQueues
	caches  *mappingCaches
	policy  *policy
	media   *mediaBridge

	botMXID        id.UserID
	usernamePrefix string

	startedAt time.Time
	running   atomic.Bool
	corrupt   atomic.Bool

	stopPrune context.CancelFunc
	stopOnce  sync.Once
}

// New assembles a Bridge from its dependencies. The caller owns the
// appservice transport, the metrics registry and the store lifecycle; Start
// only begins accepting work. A nil metrics gets a fresh registry.
func New(cfg *config.Config, db *store.Store, fs FeishuAPI, mx MatrixAPI, metrics *Metrics, log zerolog.Logger) (*Bridge, error) {
	if metrics == nil {
		metrics = NewMetrics()
	}
	caches, err := newMappingCaches(metrics)
	if err != nil {
		return nil, err
	}
	br := &Bridge{
		cfg:     cfg,
		log:     log,
		db:      db,
		fs:      fs,
		mx:      mx,
		metrics: metrics,
		caches:  caches,
		policy:  newPolicy(&cfg.Bridge, metrics),

		botMXID:        id.NewUserID(cfg.AppService.Bot.Username, cfg.Homeserver.Domain),
		usernamePrefix: cfg.Bridge.FormatUsername(""),
	}
	br.media = newMediaBridge(db, fs, mx, metrics, log)
	br.queues = NewChatQueues(
		cfg.Bridge.Queue.Workers,
		cfg.Bridge.Queue.Depth,
		time.Duration(cfg.Bridge.Queue.IdleGCSeconds)*time.Second,
		metrics,
		log,
	)
	return br, nil
}

// Metrics exposes the collector registry, for mounting the scrape endpoint.
func (br *Bridge) Metrics() *Metrics {
	return br.metrics
}

// Start marks the bridge as accepting work and launches the background
// retention sweep for the processed-event dedupe table.
func (br *Bridge) Start() {
	br.startedAt = time.Now()
	br.running.Store(true)
	pruneCtx, cancel := context.WithCancel(context.Background())
	br.stopPrune = cancel
	go br.pruneLoop(pruneCtx)
	br.log.Info().
		Int("queue_workers", br.cfg.Bridge.Queue.Workers).
		Int("queue_depth", br.cfg.Bridge.Queue.Depth).
		Msg("Bridge engine started")
}

// Stop drains the chat queues and stops background work. In-flight tasks get
// the grace window to finish; the queued backlog is parked as dead letters
// by the queue drop callbacks.
func (br *Bridge) Stop() {
	br.stopOnce.Do(func() {
		br.running.Store(false)
		if br.stopPrune != nil {
			br.stopPrune()
		}
		grace := time.Duration(br.cfg.Bridge.ShutdownGraceSeconds) * time.Second
		br.queues.Stop(grace)
		br.log.Info().Msg("Bridge engine stopped")
	})
}

// Running reports whether the bridge is accepting work. It turns false on
// Stop and on storage corruption.
func (br *Bridge) Running() bool {
	return br.running.Load()
}

// Uptime is the time since Start.
func (br *Bridge) Uptime() time.Duration {
	if br.startedAt.IsZero() {
		return 0
	}
	return time.Since(br.startedAt)
}

// QueueDepth returns the current and high-water queued task counts.
func (br *Bridge) QueueDepth() (current, max int) {
	return br.queues.Depth()
}

// checkStoreErr inspects storage errors for unrecoverable corruption. On
// corruption the bridge stops accepting work: mappings can no longer be
// trusted, so bridging blind would double-deliver.
func (br *Bridge) checkStoreErr(err error) {
	if err == nil || !store.IsCorrupt(err) {
		return
	}
	if br.corrupt.CompareAndSwap(false, true) {
		br.running.Store(false)
		br.log.Error().Err(err).Msg("Mapping store reported corruption, bridge halted")
	}
}

// Corrupt reports whether the mapping store hit unrecoverable corruption.
func (br *Bridge) Corrupt() bool {
	return br.corrupt.Load()
}

// pruneLoop periodically expires processed-event dedupe rows past their TTL.
func (br *Bridge) pruneLoop(ctx context.Context) {
	ttl := time.Duration(br.cfg.Bridge.ProcessedEventTTLHours) * time.Hour
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := br.db.Processed.Prune(ctx, time.Now().Add(-ttl))
			if err != nil {
				br.checkStoreErr(err)
				br.log.Warn().Err(err).Msg("Failed to prune processed event records")
			} else if pruned > 0 {
				br.log.Debug().Int64("rows", pruned).Msg("Pruned processed event records")
			}
		}
	}
}

// resolveMatrixMention maps a mentioned Matrix user back to the Feishu open
// ID of the puppet, for @-pills in outgoing messages.
func (br *Bridge) resolveMatrixMention(ctx context.Context) func(id.UserID) (string, bool) {
	return func(userID id.UserID) (string, bool) {
		if um := br.caches.userByMatrix(userID); um != nil {
			return um.FeishuOpenID, true
		}
		um, err := br.db.User.GetByMatrixID(ctx, userID)
		if err != nil {
			br.checkStoreErr(err)
			return "", false
		}
		if um == nil {
			return "", false
		}
		br.caches.putUser(um)
		return um.FeishuOpenID, true
	}
}

// resolveFeishuUser maps a Feishu open ID to the puppet MXID and displayname
// for @-mentions in incoming messages. Unknown users get a ghost on demand.
func (br *Bridge) resolveFeishuUser(ctx context.Context) func(string) (id.UserID, string) {
	return func(openID string) (id.UserID, string) {
		um, err := br.ensureUser(ctx, openID)
		if err != nil {
			br.log.Warn().Err(err).Str("open_id", openID).Msg("Failed to resolve mentioned Feishu user")
			return "", ""
		}
		return um.MatrixUserID, um.DisplayName
	}
}
