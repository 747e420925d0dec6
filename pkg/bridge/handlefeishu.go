// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-feishu/pkg/bridge/feishufmt"
	"github.com/aiku/mautrix-feishu/pkg/feishu"
	"github.com/aiku/mautrix-feishu/pkg/store"
)

// webhookMaxBody caps the accepted webhook body size. Feishu event payloads
// reference media by key rather than inlining it, so 2 MiB is generous.
const webhookMaxBody = 2 << 20

// WebhookHandler returns the HTTP handler for the Feishu event subscription
// endpoint. It acknowledges within the platform deadline: events are
// verified, deduplicated and queued, never processed inline.
func (br *Bridge) WebhookHandler() http.Handler {
	return http.HandlerFunc(br.serveWebhook)
}

func (br *Bridge) serveWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONStatus(w, http.StatusMethodNotAllowed, map[string]string{"msg": "method not allowed"})
		return
	}
	// The platform retries events not acked within its deadline; bound the
	// request-scoped work so a stuck store cannot hold the ack past it.
	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(br.cfg.Feishu.WebhookAckSeconds)*time.Second)
	defer cancel()
	if !br.Running() {
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"msg": "bridge unavailable"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, webhookMaxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONStatus(w, http.StatusRequestEntityTooLarge, map[string]string{"msg": "payload too large"})
			return
		}
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"msg": "unreadable body"})
		return
	}

	if secret := br.cfg.Feishu.ListenSecret; secret != "" {
		ok := feishu.VerifySignature(
			secret,
			r.Header.Get(feishu.HeaderTimestamp),
			r.Header.Get(feishu.HeaderNonce),
			body,
			r.Header.Get(feishu.HeaderSignature),
		)
		if !ok {
			br.log.Warn().Str("remote", r.RemoteAddr).Msg("Webhook signature verification failed")
			writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"msg": "bad signature"})
			return
		}
	}

	payload, err := feishu.ParseWebhook(body, br.cfg.Feishu.EncryptKey)
	if err != nil {
		br.log.Warn().Err(err).Msg("Undecodable webhook payload")
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"msg": "undecodable payload"})
		return
	}

	if payload.IsURLVerification() {
		writeJSONStatus(w, http.StatusOK, map[string]string{"challenge": payload.Challenge})
		return
	}

	if want := br.cfg.Feishu.VerificationToken; want != "" && payload.VerificationToken() != want {
		br.log.Warn().Str("remote", r.RemoteAddr).Msg("Webhook verification token mismatch")
		writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"msg": "bad token"})
		return
	}

	eventType := payload.EventType()
	eventID := payload.EventID()
	if eventID == "" {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"msg": "missing event id"})
		return
	}

	fresh, err := br.db.Processed.Record(ctx, store.SourceFeishu, eventID)
	if err != nil {
		br.checkStoreErr(err)
		br.log.Error().Err(err).Str("event_id", eventID).Msg("Dedupe lookup failed")
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"msg": "storage error"})
		return
	}
	if !fresh {
		br.metrics.Inbound("feishu", "duplicate")
		writeJSONStatus(w, http.StatusOK, map[string]string{})
		return
	}
	br.metrics.Inbound("feishu", eventType)

	chatID := feishu.ExtractChatID(payload.Event)
	key := chatID
	if key == "" {
		key = eventID
	}
	rawEvent := payload.Event
	task := &Task{
		Key:  key,
		Kind: eventType,
		Run: func(ctx context.Context) {
			br.runFeishuTask(ctx, eventID, eventType, chatID, rawEvent)
		},
		Drop: func(reason string) {
			br.parkFeishuEvent(context.Background(), chatID, eventID, eventType, rawEvent,
				errClassShutdown, "queue drop: "+reason)
		},
	}
	if err := br.queues.Enqueue(task); err != nil {
		class := errClassShutdown
		if errors.Is(err, ErrBackpressure) {
			class = errClassBackpressure
			br.metrics.Trace("f2m", "backpressure")
		}
		br.parkFeishuEvent(ctx, chatID, eventID, eventType, rawEvent, class, err.Error())
	}
	writeJSONStatus(w, http.StatusOK, map[string]string{})
}

func writeJSONStatus(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// runFeishuTask executes one queued webhook event, parking it as a dead
// letter on failure.
func (br *Bridge) runFeishuTask(ctx context.Context, eventID, eventType, chatID string, raw json.RawMessage) {
	start := time.Now()
	err := br.dispatchFeishuEvent(ctx, eventType, raw)
	br.metrics.ObserveStage("f2m", time.Since(start))
	if err != nil {
		br.parkFeishuEvent(ctx, chatID, eventID, eventType, raw, classifyBridgeErr(err), err.Error())
		br.metrics.Trace("f2m", "dead_letter")
		return
	}
	br.metrics.Trace("f2m", "ok")
}

// dispatchFeishuEvent routes a decoded webhook event to its handler. Event
// types the bridge does not cover are dropped, not dead-lettered.
func (br *Bridge) dispatchFeishuEvent(ctx context.Context, eventType string, raw json.RawMessage) error {
	switch eventType {
	case feishu.EventMessageReceive:
		var evt feishu.MessageReceiveEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return fmt.Errorf("decode message event: %w", err)
		}
		return br.handleFeishuMessage(ctx, &evt)
	case feishu.EventMessageRecalled:
		var evt feishu.MessageRecalledEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return fmt.Errorf("decode recall event: %w", err)
		}
		return br.handleFeishuRecall(ctx, &evt)
	case feishu.EventMemberAdded, feishu.EventMemberDeleted:
		var evt feishu.ChatMemberEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return fmt.Errorf("decode member event: %w", err)
		}
		return br.handleFeishuMembers(ctx, &evt, eventType == feishu.EventMemberAdded)
	case feishu.EventChatUpdated:
		var evt feishu.ChatUpdatedEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return fmt.Errorf("decode chat update event: %w", err)
		}
		return br.handleFeishuChatUpdated(ctx, &evt)
	case feishu.EventChatDisbanded:
		var evt feishu.ChatDisbandedEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return fmt.Errorf("decode disband event: %w", err)
		}
		return br.handleFeishuChatDisbanded(ctx, &evt)
	default:
		br.metrics.Inbound("feishu", "unsupported")
		br.log.Debug().Str("event_type", eventType).Msg("Ignoring unsupported event type")
		return nil
	}
}

// handleFeishuMessage bridges one incoming Feishu message into Matrix.
// Reprocessing a message that already has a non-pending mapping is a no-op,
// which makes webhook redelivery and dead letter replay safe.
func (br *Bridge) handleFeishuMessage(ctx context.Context, evt *feishu.MessageReceiveEvent) error {
	msg := &evt.Message
	if msg.MessageID == "" || msg.ChatID == "" {
		return fmt.Errorf("message event missing identifiers")
	}

	existing, err := br.db.Message.GetByFeishuID(ctx, msg.MessageID)
	if err != nil {
		br.checkStoreErr(err)
		return err
	}
	if existing != nil && existing.Status != store.MessagePending {
		br.log.Debug().Str("message_id", msg.MessageID).Msg("Message already bridged, skipping")
		return nil
	}
	if existing != nil && existing.Direction == store.DirectionMatrixToFeishu {
		// Echo of a message this bridge delivered to Feishu.
		return nil
	}

	room, err := br.ensureRoom(ctx, msg.ChatID)
	if err != nil {
		return err
	}
	if room.Status == store.RoomDisbanded {
		br.metrics.Trace("f2m", "dropped")
		br.log.Debug().Str("chat_id", msg.ChatID).Msg("Dropping message for disbanded chat")
		return nil
	}

	sender := br.botMXID
	if openID := evt.Sender.SenderID.OpenID; openID != "" {
		um, userErr := br.ensureUser(ctx, openID)
		if userErr != nil {
			return userErr
		}
		sender = um.MatrixUserID
	}

	mentions := make([]feishufmt.Mention, 0, len(msg.Mentions))
	for _, m := range msg.Mentions {
		mentions = append(mentions, feishufmt.Mention{Key: m.Key, OpenID: m.ID.OpenID, Name: m.Name})
	}
	conv := feishufmt.ToMatrix(msg.MessageType, msg.Content, mentions, br.resolveFeishuUser(ctx))
	if conv.Degraded {
		br.metrics.Degraded(conv.Reason)
	}

	if conv.MediaKey != "" {
		uri, mime, size, mediaErr := br.media.fetchToMatrix(ctx, msg.MessageID, conv.MediaKey, conv.MediaKind)
		if mediaErr != nil {
			br.log.Warn().Err(mediaErr).Str("message_id", msg.MessageID).Msg("Media transfer failed, degrading to notice")
			conv.Content = &event.MessageEventContent{
				MsgType: event.MsgNotice,
				Body:    fmt.Sprintf("[attachment unavailable: %s]", conv.Content.Body),
			}
			br.metrics.Degraded("media_unavailable")
		} else {
			conv.Content.URL = uri
			if conv.Content.Info == nil {
				conv.Content.Info = &event.FileInfo{}
			}
			conv.Content.Info.MimeType = mime
			conv.Content.Info.Size = int(size)
		}
	}

	var extra map[string]any
	if len(conv.CardRaw) > 0 {
		extra = map[string]any{"chat.feishu.card.raw": json.RawMessage(conv.CardRaw)}
	}
	br.wireReplyRelation(ctx, conv.Content, room, msg.RootID, msg.ParentID, msg.ThreadID)

	if existing == nil {
		mapping := &store.MessageMapping{
			FeishuMessageID:  msg.MessageID,
			MatrixRoomID:     room.MatrixRoomID,
			FeishuChatID:     msg.ChatID,
			Direction:        store.DirectionFeishuToMatrix,
			Kind:             messageKindOf(msg.MessageType),
			Status:           store.MessagePending,
			ThreadRootFeishu: msg.RootID,
			ParentFeishu:     msg.ParentID,
			ContentHash:      contentHash(msg.MessageType, msg.Content),
		}
		if err := br.db.Message.Insert(ctx, mapping); err != nil && !errors.Is(err, store.ErrConflict) {
			br.checkStoreErr(err)
			return fmt.Errorf("record pending mapping: %w", err)
		}
	}

	eventID, err := br.mx.SendMessage(ctx, sender, room.MatrixRoomID, conv.Content, extra)
	if err != nil {
		return fmt.Errorf("deliver to matrix: %w", err)
	}

	if err := br.db.Message.CommitByFeishuID(ctx, msg.MessageID, eventID); err != nil {
		br.checkStoreErr(err)
		br.parkDivergence(ctx, store.DirectionFeishuToMatrix, msg.ChatID, eventID, msg.MessageID, err.Error())
		return nil
	}
	return nil
}

// wireReplyRelation attaches the Matrix reply or thread relation matching
// the Feishu parent and root pointers, when the referenced messages are
// mapped. Unmapped parents degrade to a plain message.
func (br *Bridge) wireReplyRelation(ctx context.Context, content *event.MessageEventContent, room *store.RoomMapping, rootID, parentID, threadID string) {
	if content == nil || (parentID == "" && rootID == "") {
		return
	}
	lookup := func(feishuID string) id.EventID {
		if feishuID == "" {
			return ""
		}
		mm, err := br.db.Message.GetByFeishuID(ctx, feishuID)
		if err != nil || mm == nil || mm.MatrixEventID == "" {
			return ""
		}
		return mm.MatrixEventID
	}
	parentMatrix := lookup(parentID)
	rootMatrix := parentMatrix
	if rootID != "" && rootID != parentID {
		if mapped := lookup(rootID); mapped != "" {
			rootMatrix = mapped
		}
	}
	switch {
	case room.ThreadMode && threadID != "" && rootMatrix != "":
		content.RelatesTo = &event.RelatesTo{
			Type:    event.RelThread,
			EventID: rootMatrix,
			InReplyTo: &event.InReplyTo{
				EventID: firstNonEmptyEventID(parentMatrix, rootMatrix),
			},
			IsFallingBack: true,
		}
	case parentMatrix != "":
		content.RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: parentMatrix},
		}
	}
}

func firstNonEmptyEventID(ids ...id.EventID) id.EventID {
	for _, candidate := range ids {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

func messageKindOf(msgType string) store.MessageKind {
	switch msgType {
	case feishu.MsgTypeText, feishu.MsgTypePost:
		return store.MessageKindText
	case feishu.MsgTypeImage, feishu.MsgTypeFile, feishu.MsgTypeAudio, feishu.MsgTypeMedia, feishu.MsgTypeSticker:
		return store.MessageKindMedia
	case feishu.MsgTypeInteractive:
		return store.MessageKindCard
	default:
		return store.MessageKindNotice
	}
}

// handleFeishuRecall redacts the Matrix copy of a recalled Feishu message.
func (br *Bridge) handleFeishuRecall(ctx context.Context, evt *feishu.MessageRecalledEvent) error {
	mapping, err := br.db.Message.GetByFeishuID(ctx, evt.MessageID)
	if err != nil {
		br.checkStoreErr(err)
		return err
	}
	if mapping == nil || mapping.MatrixEventID == "" {
		br.log.Debug().Str("message_id", evt.MessageID).Msg("Recall for unmapped message, ignoring")
		return nil
	}
	if mapping.Status == store.MessageRedacted {
		return nil
	}
	if err := br.mx.RedactEvent(ctx, br.botMXID, mapping.MatrixRoomID, mapping.MatrixEventID); err != nil {
		return fmt.Errorf("redact %s: %w", mapping.MatrixEventID, err)
	}
	if err := br.db.Message.MarkRedactedByFeishuID(ctx, evt.MessageID); err != nil {
		br.checkStoreErr(err)
		return err
	}
	return nil
}

// handleFeishuMembers joins or parts puppets to mirror chat membership.
func (br *Bridge) handleFeishuMembers(ctx context.Context, evt *feishu.ChatMemberEvent, added bool) error {
	room, err := br.ensureRoom(ctx, evt.ChatID)
	if err != nil {
		return err
	}
	if room.Status == store.RoomDisbanded {
		return nil
	}
	for _, user := range evt.Users {
		openID := user.UserID.OpenID
		if openID == "" {
			continue
		}
		um, userErr := br.ensureUser(ctx, openID)
		if userErr != nil {
			return userErr
		}
		if added {
			err = br.mx.EnsureJoined(ctx, um.MatrixUserID, room.MatrixRoomID)
		} else {
			err = br.mx.LeaveRoom(ctx, um.MatrixUserID, room.MatrixRoomID)
		}
		if err != nil {
			return fmt.Errorf("update membership of %s: %w", um.MatrixUserID, err)
		}
	}
	return nil
}

// handleFeishuChatUpdated patches the room mapping and mirrors renames. The
// event is ignored for chats that were never bridged.
func (br *Bridge) handleFeishuChatUpdated(ctx context.Context, evt *feishu.ChatUpdatedEvent) error {
	if evt.AfterChange == nil {
		return nil
	}
	room, err := br.db.Room.GetByFeishuID(ctx, evt.ChatID)
	if err != nil {
		br.checkStoreErr(err)
		return err
	}
	if room == nil {
		return nil
	}
	var patch store.RoomPatch
	if name := evt.AfterChange.Name; name != "" && name != room.DisplayName {
		patch.DisplayName = &name
		if nameErr := br.mx.SetRoomName(ctx, room.MatrixRoomID, name); nameErr != nil {
			br.log.Warn().Err(nameErr).Stringer("room_id", room.MatrixRoomID).Msg("Failed to rename Matrix room")
		}
	}
	if mode := evt.AfterChange.ChatMode; mode != "" {
		chatType := chatTypeFromMode(mode)
		threadMode := mode == "topic"
		patch.ChatType = &chatType
		patch.ThreadMode = &threadMode
	}
	if patch.DisplayName == nil && patch.ChatType == nil {
		return nil
	}
	if err := br.db.Room.Patch(ctx, evt.ChatID, patch); err != nil {
		br.checkStoreErr(err)
		return err
	}
	br.caches.dropRoom(room.MatrixRoomID, evt.ChatID)
	return nil
}

// handleFeishuChatDisbanded marks the mapping disbanded and notifies the
// Matrix room. Message history and mappings are kept.
func (br *Bridge) handleFeishuChatDisbanded(ctx context.Context, evt *feishu.ChatDisbandedEvent) error {
	room, err := br.db.Room.GetByFeishuID(ctx, evt.ChatID)
	if err != nil {
		br.checkStoreErr(err)
		return err
	}
	if room == nil {
		return nil
	}
	if err := br.db.Room.MarkDisbanded(ctx, evt.ChatID); err != nil {
		br.checkStoreErr(err)
		return err
	}
	br.caches.dropRoom(room.MatrixRoomID, evt.ChatID)
	if _, noticeErr := br.mx.SendNotice(ctx, room.MatrixRoomID,
		"The Feishu chat behind this room was disbanded. Messages are no longer bridged."); noticeErr != nil {
		br.log.Warn().Err(noticeErr).Stringer("room_id", room.MatrixRoomID).Msg("Failed to post disband notice")
	}
	br.log.Info().Str("chat_id", evt.ChatID).Stringer("room_id", room.MatrixRoomID).Msg("Chat disbanded")
	return nil
}
