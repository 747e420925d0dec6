// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/aiku/mautrix-feishu/pkg/feishu"
	"github.com/aiku/mautrix-feishu/pkg/store"
)

// ensureUser returns the puppet mapping for a Feishu user, registering the
// Matrix ghost and syncing its profile when the stored row is missing or
// older than the configured TTL. A profile fetch failure degrades to the
// stale row (or a bare ghost named after the open ID) rather than dropping
// the message that triggered the lookup.
func (br *Bridge) ensureUser(ctx context.Context, openID string) (*store.UserMapping, error) {
	if openID == "" {
		return nil, fmt.Errorf("ensure user: empty open id")
	}
	ttl := time.Duration(br.cfg.Bridge.UserStaleTTLHours) * time.Hour
	if um := br.caches.userByFeishu(openID); um != nil && !um.Stale(ttl) {
		return um, nil
	}
	um, err := br.db.User.GetByFeishuID(ctx, openID)
	if err != nil {
		br.checkStoreErr(err)
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	if um != nil && !um.Stale(ttl) {
		br.caches.putUser(um)
		return um, nil
	}

	info, err := br.fs.GetUser(ctx, openID)
	if err != nil {
		if um != nil {
			br.log.Warn().Err(err).Str("open_id", openID).
				Msg("Profile refresh failed, keeping stale puppet profile")
			br.caches.putUser(um)
			return um, nil
		}
		br.log.Warn().Err(err).Str("open_id", openID).
			Msg("Profile fetch failed, registering bare puppet")
		info = &feishu.UserInfo{OpenID: openID, Name: openID}
	}

	mxid := br.puppetMXID(openID)
	if err := br.mx.EnsureRegistered(ctx, mxid); err != nil {
		return nil, fmt.Errorf("register puppet %s: %w", mxid, err)
	}
	name := info.DisplayName()
	if um == nil || um.DisplayName != name {
		rendered := br.cfg.Bridge.FormatDisplayname(name)
		if err := br.mx.SetDisplayName(ctx, mxid, rendered); err != nil {
			br.log.Warn().Err(err).Stringer("mxid", mxid).Msg("Failed to set puppet displayname")
		}
	}

	fresh := &store.UserMapping{
		MatrixUserID:  mxid,
		FeishuOpenID:  openID,
		FeishuUnionID: info.UnionID,
		DisplayName:   name,
		AvatarURL:     info.AvatarURL(),
		LastSyncedAt:  time.Now(),
	}
	if um != nil && fresh.FeishuUnionID == "" {
		fresh.FeishuUnionID = um.FeishuUnionID
	}
	if err := br.db.User.Upsert(ctx, fresh); err != nil {
		br.checkStoreErr(err)
		return nil, fmt.Errorf("save user mapping: %w", err)
	}
	br.caches.putUser(fresh)
	return fresh, nil
}

// ensureRoom returns the room mapping for a Feishu chat, provisioning a new
// Matrix room when the chat has never been bridged. Concurrent provisioning
// of the same chat is resolved by re-reading after an upsert conflict.
func (br *Bridge) ensureRoom(ctx context.Context, chatID string) (*store.RoomMapping, error) {
	if chatID == "" {
		return nil, fmt.Errorf("ensure room: empty chat id")
	}
	if rm := br.caches.roomByFeishu(chatID); rm != nil {
		return rm, nil
	}
	rm, err := br.db.Room.GetByFeishuID(ctx, chatID)
	if err != nil {
		br.checkStoreErr(err)
		return nil, fmt.Errorf("ensure room: %w", err)
	}
	if rm != nil {
		br.caches.putRoom(rm)
		return rm, nil
	}

	info, err := br.fs.GetChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("fetch chat %s: %w", chatID, err)
	}
	name := info.Name
	if name == "" {
		name = chatID
	}
	roomID, err := br.mx.CreateRoom(ctx, name, info.Description)
	if err != nil {
		return nil, fmt.Errorf("create room for chat %s: %w", chatID, err)
	}
	rm = &store.RoomMapping{
		MatrixRoomID:  roomID,
		FeishuChatID:  chatID,
		ChatType:      chatTypeFromMode(info.ChatMode),
		ThreadMode:    info.ChatMode == "topic",
		DisplayName:   info.Name,
		OwnerIdentity: info.OwnerID,
		Status:        store.RoomActive,
	}
	if err := br.db.Room.Upsert(ctx, rm); err != nil {
		br.checkStoreErr(err)
		// Lost a provisioning race: another task mapped the chat first.
		existing, readErr := br.db.Room.GetByFeishuID(ctx, chatID)
		if readErr == nil && existing != nil {
			br.caches.putRoom(existing)
			return existing, nil
		}
		return nil, fmt.Errorf("save room mapping: %w", err)
	}
	br.caches.putRoom(rm)
	br.log.Info().
		Str("chat_id", chatID).
		Stringer("room_id", roomID).
		Str("chat_type", string(rm.ChatType)).
		Msg("Provisioned Matrix room for Feishu chat")
	return rm, nil
}

func chatTypeFromMode(mode string) store.ChatType {
	switch mode {
	case "p2p":
		return store.ChatTypeP2P
	case "topic":
		return store.ChatTypeTopic
	default:
		return store.ChatTypeGroup
	}
}
