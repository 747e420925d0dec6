// Copyright 2024-2026 Aiku AI

package bridge

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-feishu/pkg/store"
)

// Admin API scopes. The admin token implies all three; the per-scope tokens
// grant exactly their own.
type adminScope string

const (
	scopeRead   adminScope = "read"
	scopeWrite  adminScope = "write"
	scopeDelete adminScope = "delete"
)

const adminMaxBody = 1 << 20

// AdminRouter builds the management HTTP surface: health and metrics
// unauthenticated, everything under /admin behind bearer tokens.
func (br *Bridge) AdminRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", br.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", br.metrics.Handler()).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Handle("/status", br.requireScope(scopeRead, br.handleAdminStatus)).Methods(http.MethodGet)
	admin.Handle("/mappings", br.requireScope(scopeRead, br.handleListMappings)).Methods(http.MethodGet)
	admin.Handle("/mappings", br.requireScope(scopeWrite, br.handleCreateMapping)).Methods(http.MethodPost)
	admin.Handle("/mappings/{roomID}", br.requireScope(scopeDelete, br.handleDeleteMapping)).Methods(http.MethodDelete)
	admin.Handle("/dead-letters/replay", br.requireScope(scopeWrite, br.handleReplayDeadLetters)).Methods(http.MethodPost)
	admin.Handle("/dead-letters/cleanup", br.requireScope(scopeDelete, br.handleCleanupDeadLetters)).Methods(http.MethodPost)
	return r
}

// grantedScopes resolves a bearer token to its scopes. The second return is
// false when the token matches nothing configured.
func (br *Bridge) grantedScopes(token string) (map[adminScope]bool, bool) {
	if token == "" {
		return nil, false
	}
	match := func(want string) bool {
		return want != "" && subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1
	}
	if match(br.cfg.Admin.AdminToken) {
		return map[adminScope]bool{scopeRead: true, scopeWrite: true, scopeDelete: true}, true
	}
	scopes := make(map[adminScope]bool)
	known := false
	if match(br.cfg.Admin.ReadToken) {
		scopes[scopeRead] = true
		known = true
	}
	if match(br.cfg.Admin.WriteToken) {
		scopes[scopeWrite] = true
		known = true
	}
	if match(br.cfg.Admin.DeleteToken) {
		scopes[scopeDelete] = true
		known = true
	}
	return scopes, known
}

func (br *Bridge) requireScope(scope adminScope, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		scopes, known := br.grantedScopes(token)
		if !known {
			writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "missing or unknown token"})
			return
		}
		if !scopes[scope] {
			writeJSONStatus(w, http.StatusForbidden, map[string]string{"error": "token lacks " + string(scope) + " scope"})
			return
		}
		next(w, r)
	})
}

func (br *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !br.Running() {
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSONStatus(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (br *Bridge) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := br.db.DeadLetter.CountByStatus(r.Context())
	if err != nil {
		br.checkStoreErr(err)
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	depth, depthMax := br.QueueDepth()
	deadLetters := make(map[string]int, len(counts))
	for status, count := range counts {
		deadLetters[string(status)] = count
	}
	writeJSONStatus(w, http.StatusOK, map[string]any{
		"running":            br.Running(),
		"queue_depth":        depth,
		"queue_depth_max":    depthMax,
		"dead_letter_counts": deadLetters,
		"uptime_sec":         int64(br.Uptime().Seconds()),
	})
}

type roomMappingJSON struct {
	MatrixRoomID string `json:"matrix_room_id"`
	FeishuChatID string `json:"feishu_chat_id"`
	ChatType     string `json:"chat_type"`
	ThreadMode   bool   `json:"thread_mode"`
	DisplayName  string `json:"display_name,omitempty"`
	Status       string `json:"status"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

type userMappingJSON struct {
	MatrixUserID string `json:"matrix_user_id"`
	FeishuOpenID string `json:"feishu_open_id"`
	DisplayName  string `json:"display_name,omitempty"`
	LastSyncedAt int64  `json:"last_synced_at"`
}

func (br *Bridge) handleListMappings(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	ctx := r.Context()

	fail := func(err error) {
		br.checkStoreErr(err)
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	rooms, err := br.db.Room.List(ctx, limit, offset)
	if err != nil {
		fail(err)
		return
	}
	users, err := br.db.User.List(ctx, limit, offset)
	if err != nil {
		fail(err)
		return
	}
	roomCount, err := br.db.Room.Count(ctx)
	if err != nil {
		fail(err)
		return
	}
	userCount, err := br.db.User.Count(ctx)
	if err != nil {
		fail(err)
		return
	}

	roomsJSON := make([]roomMappingJSON, len(rooms))
	for i, rm := range rooms {
		roomsJSON[i] = roomMappingJSON{
			MatrixRoomID: rm.MatrixRoomID.String(),
			FeishuChatID: rm.FeishuChatID,
			ChatType:     string(rm.ChatType),
			ThreadMode:   rm.ThreadMode,
			DisplayName:  rm.DisplayName,
			Status:       string(rm.Status),
			CreatedAt:    rm.CreatedAt.UnixMilli(),
			UpdatedAt:    rm.UpdatedAt.UnixMilli(),
		}
	}
	usersJSON := make([]userMappingJSON, len(users))
	for i, um := range users {
		usersJSON[i] = userMappingJSON{
			MatrixUserID: um.MatrixUserID.String(),
			FeishuOpenID: um.FeishuOpenID,
			DisplayName:  um.DisplayName,
			LastSyncedAt: um.LastSyncedAt.UnixMilli(),
		}
	}
	writeJSONStatus(w, http.StatusOK, map[string]any{
		"rooms":      roomsJSON,
		"users":      usersJSON,
		"room_count": roomCount,
		"user_count": userCount,
		"limit":      limit,
		"offset":     offset,
	})
}

type createMappingRequest struct {
	MatrixRoomID string `json:"matrix_room_id"`
	FeishuChatID string `json:"feishu_chat_id"`
	ChatType     string `json:"chat_type"`
	ThreadMode   bool   `json:"thread_mode"`
	DisplayName  string `json:"display_name"`
}

func (br *Bridge) handleCreateMapping(w http.ResponseWriter, r *http.Request) {
	var req createMappingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, adminMaxBody)).Decode(&req); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "undecodable body: " + err.Error()})
		return
	}
	if req.MatrixRoomID == "" || req.FeishuChatID == "" {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "matrix_room_id and feishu_chat_id are required"})
		return
	}
	ctx := r.Context()
	roomID := id.RoomID(req.MatrixRoomID)

	if existing, err := br.db.Room.GetByMatrixID(ctx, roomID); err != nil {
		br.checkStoreErr(err)
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	} else if existing != nil {
		writeJSONStatus(w, http.StatusConflict, map[string]string{"error": "room is already mapped to " + existing.FeishuChatID})
		return
	}
	if existing, err := br.db.Room.GetByFeishuID(ctx, req.FeishuChatID); err != nil {
		br.checkStoreErr(err)
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	} else if existing != nil {
		writeJSONStatus(w, http.StatusConflict, map[string]string{"error": "chat is already mapped to " + existing.MatrixRoomID.String()})
		return
	}

	chatType := store.ChatType(req.ChatType)
	switch chatType {
	case "":
		chatType = store.ChatTypeGroup
	case store.ChatTypeGroup, store.ChatTypeP2P, store.ChatTypeTopic:
	default:
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "invalid chat_type " + req.ChatType})
		return
	}
	rm := &store.RoomMapping{
		MatrixRoomID: roomID,
		FeishuChatID: req.FeishuChatID,
		ChatType:     chatType,
		ThreadMode:   req.ThreadMode || chatType == store.ChatTypeTopic,
		DisplayName:  req.DisplayName,
		Status:       store.RoomActive,
	}
	if err := br.db.Room.Upsert(ctx, rm); err != nil {
		br.checkStoreErr(err)
		if errors.Is(err, store.ErrConflict) {
			writeJSONStatus(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	br.caches.putRoom(rm)
	br.log.Info().
		Str("matrix_room_id", req.MatrixRoomID).
		Str("feishu_chat_id", req.FeishuChatID).
		Msg("Mapping created via admin API")
	writeJSONStatus(w, http.StatusCreated, map[string]string{"status": "created"})
}

func (br *Bridge) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	roomID := id.RoomID(mux.Vars(r)["roomID"])
	ctx := r.Context()
	rm, err := br.db.Room.GetByMatrixID(ctx, roomID)
	if err != nil {
		br.checkStoreErr(err)
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	deleted, err := br.db.Room.Delete(ctx, roomID)
	if err != nil {
		br.checkStoreErr(err)
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !deleted {
		writeJSONStatus(w, http.StatusNotFound, map[string]string{"error": "no mapping for " + roomID.String()})
		return
	}
	if rm != nil {
		br.caches.dropRoom(rm.MatrixRoomID, rm.FeishuChatID)
	}
	br.log.Info().Stringer("room_id", roomID).Msg("Mapping deleted via admin API")
	writeJSONStatus(w, http.StatusOK, map[string]bool{"deleted": true})
}

type replayRequest struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
	ChatID string `json:"chat_id"`
	Limit  int    `json:"limit"`
}

func (br *Bridge) handleReplayDeadLetters(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, adminMaxBody)).Decode(&req); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "undecodable body: " + err.Error()})
		return
	}
	if req.Limit <= 0 || req.Limit > 1000 {
		req.Limit = 100
	}
	report, err := br.ReplayDeadLetters(r.Context(), store.DeadLetterFilter{
		ID:     req.ID,
		Status: store.DeadLetterStatus(req.Status),
		ChatID: req.ChatID,
		Limit:  req.Limit,
	})
	if err != nil {
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSONStatus(w, http.StatusOK, report)
}

type cleanupRequest struct {
	Status         string `json:"status"`
	OlderThanHours int    `json:"older_than_hours"`
	Limit          int    `json:"limit"`
	DryRun         bool   `json:"dry_run"`
}

func (br *Bridge) handleCleanupDeadLetters(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, adminMaxBody)).Decode(&req); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "undecodable body: " + err.Error()})
		return
	}
	filter := store.DeadLetterFilter{
		Status: store.DeadLetterStatus(req.Status),
		Limit:  req.Limit,
	}
	if req.OlderThanHours > 0 {
		filter.OlderThan = time.Now().Add(-time.Duration(req.OlderThanHours) * time.Hour)
	}
	deleted, err := br.CleanupDeadLetters(r.Context(), filter, req.DryRun)
	if err != nil {
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSONStatus(w, http.StatusOK, map[string]any{"deleted": deleted, "dry_run": req.DryRun})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
