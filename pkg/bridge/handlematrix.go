// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-feishu/pkg/bridge/matrixfmt"
	"github.com/aiku/mautrix-feishu/pkg/store"
)

// errChatDisbanded marks work against a chat that no longer exists on the
// Feishu side. Never retried.
var errChatDisbanded = errors.New("feishu chat is disbanded")

// HandleMatrixEvent is the appservice event processor entry point. It
// filters echoes, deduplicates, answers commands inline and queues bridging
// work on the per-chat lane.
func (br *Bridge) HandleMatrixEvent(ctx context.Context, evt *event.Event) {
	if !br.Running() {
		return
	}
	if evt.Sender == br.botMXID || br.isPuppetMXID(evt.Sender) {
		return
	}

	fresh, err := br.db.Processed.Record(ctx, store.SourceMatrix, evt.ID.String())
	if err != nil {
		br.checkStoreErr(err)
		br.log.Error().Err(err).Stringer("event_id", evt.ID).Msg("Dedupe lookup failed")
		return
	}
	if !fresh {
		br.metrics.Inbound("matrix", "duplicate")
		return
	}
	br.metrics.Inbound("matrix", evt.Type.Type)

	if evt.Type == event.EventMessage {
		content := evt.Content.AsMessage()
		if content != nil && strings.HasPrefix(content.Body, br.cfg.Bridge.CommandPrefix) {
			br.handleCommand(ctx, evt, content)
			return
		}
	}

	room := br.roomForMatrixID(ctx, evt.RoomID)
	if room == nil {
		br.log.Debug().Stringer("room_id", evt.RoomID).Msg("Event in unbridged room, ignoring")
		return
	}

	task := &Task{
		Key:  room.FeishuChatID,
		Kind: evt.Type.Type,
		Run: func(taskCtx context.Context) {
			br.runMatrixTask(taskCtx, evt, room)
		},
		Drop: func(reason string) {
			br.parkMatrixEvent(context.Background(), evt, room.FeishuChatID,
				outboundUUID(evt.ID, "send"), errClassShutdown, "queue drop: "+reason)
		},
	}
	if err := br.queues.Enqueue(task); err != nil {
		class := errClassShutdown
		if errors.Is(err, ErrBackpressure) {
			class = errClassBackpressure
			br.metrics.Trace("m2f", "backpressure")
		}
		br.parkMatrixEvent(ctx, evt, room.FeishuChatID, outboundUUID(evt.ID, "send"), class, err.Error())
	}
}

func (br *Bridge) roomForMatrixID(ctx context.Context, roomID id.RoomID) *store.RoomMapping {
	if rm := br.caches.roomByMatrix(roomID); rm != nil {
		return rm
	}
	rm, err := br.db.Room.GetByMatrixID(ctx, roomID)
	if err != nil {
		br.checkStoreErr(err)
		return nil
	}
	if rm != nil {
		br.caches.putRoom(rm)
	}
	return rm
}

// runMatrixTask executes one queued Matrix event, parking it on failure and
// optionally notifying the room.
func (br *Bridge) runMatrixTask(ctx context.Context, evt *event.Event, room *store.RoomMapping) {
	start := time.Now()
	err := br.bridgeMatrixEvent(ctx, evt)
	br.metrics.ObserveStage("m2f", time.Since(start))
	if err == nil {
		br.metrics.Trace("m2f", "ok")
		return
	}
	class := classifyBridgeErr(err)
	br.parkMatrixEvent(ctx, evt, room.FeishuChatID, outboundUUID(evt.ID, "send"), class, err.Error())
	br.metrics.Trace("m2f", "dead_letter")
	if br.cfg.Bridge.DeliveryErrorNotices {
		notice := br.policy.failureNotice(evt.ID, evt.RoomID, err.Error())
		if _, noticeErr := br.mx.SendNotice(ctx, evt.RoomID, notice); noticeErr != nil {
			br.log.Warn().Err(noticeErr).Stringer("room_id", evt.RoomID).Msg("Failed to post delivery error notice")
		}
	}
}

// bridgeMatrixEvent delivers one Matrix event to Feishu. It is idempotent
// over redelivery and dead letter replay: committed work is recognized by
// the message mapping and skipped.
func (br *Bridge) bridgeMatrixEvent(ctx context.Context, evt *event.Event) error {
	room := br.roomForMatrixID(ctx, evt.RoomID)
	if room == nil {
		br.log.Debug().Stringer("room_id", evt.RoomID).Msg("Replayed event in unbridged room, dropping")
		return nil
	}
	if room.Status == store.RoomDisbanded {
		return errChatDisbanded
	}

	switch evt.Type {
	case event.EventRedaction:
		return br.bridgeMatrixRedaction(ctx, evt)
	case event.EventMessage, event.EventSticker:
		return br.bridgeMatrixMessage(ctx, evt, room)
	default:
		br.log.Debug().Str("type", evt.Type.Type).Msg("Ignoring unsupported event type")
		return nil
	}
}

func (br *Bridge) bridgeMatrixMessage(ctx context.Context, evt *event.Event, room *store.RoomMapping) error {
	content := evt.Content.AsMessage()
	if content == nil {
		return fmt.Errorf("event %s has no message content", evt.ID)
	}
	if evt.Type == event.EventSticker && content.MsgType == "" {
		content.MsgType = event.MsgImage
	}

	if !br.policy.allowMsgType(content.MsgType) {
		br.metrics.Trace("m2f", "dropped")
		return nil
	}
	if !br.policy.allowSend(evt.RoomID) {
		br.metrics.Trace("m2f", "dropped")
		return nil
	}

	if replaceID := content.RelatesTo.GetReplaceID(); replaceID != "" {
		return br.bridgeMatrixEdit(ctx, evt, replaceID, content)
	}

	mapping, err := br.db.Message.GetByMatrixID(ctx, evt.ID)
	if err != nil {
		br.checkStoreErr(err)
		return err
	}
	if mapping != nil && mapping.Status != store.MessagePending {
		br.log.Debug().Stringer("event_id", evt.ID).Msg("Message already bridged, skipping")
		return nil
	}

	msgType, msgContent, kind, uuidKind, encodeErr := br.encodeMatrixMessage(ctx, content)
	if encodeErr != nil {
		if !br.cfg.Bridge.EnableFailureDegrade {
			return encodeErr
		}
		br.log.Warn().Err(encodeErr).Stringer("event_id", evt.ID).Msg("Conversion failed, degrading to text")
		br.metrics.Degraded("delivery_fallback")
		msgType, msgContent = matrixfmt.TextFallback(fmt.Sprintf("[unbridgeable message: %s]", content.Body))
		kind = store.MessageKindNotice
		uuidKind = "degrade"
	}

	parentFeishu, threadRoot := br.resolveOutboundParent(ctx, content)
	if parentFeishu != "" && uuidKind == "send" {
		uuidKind = "reply"
	}
	uuid := outboundUUID(evt.ID, uuidKind)

	// Claim the uuid locally before the send. The claim outlives a crash
	// between send and commit, so a later retry knows delivery may already
	// have happened and checks the mapping first.
	if _, err := br.db.Processed.Record(ctx, store.SourceOutbound, uuid); err != nil {
		br.checkStoreErr(err)
		return fmt.Errorf("record outbound claim: %w", err)
	}

	if mapping == nil {
		mapping = &store.MessageMapping{
			MatrixEventID:    evt.ID,
			MatrixRoomID:     evt.RoomID,
			FeishuChatID:     room.FeishuChatID,
			Direction:        store.DirectionMatrixToFeishu,
			Kind:             kind,
			Status:           store.MessagePending,
			ParentFeishu:     parentFeishu,
			ParentMatrix:     content.RelatesTo.GetReplyTo(),
			ThreadRootFeishu: threadRoot,
			ThreadRootMatrix: content.RelatesTo.GetThreadParent(),
			ContentHash:      contentHash(msgType, msgContent),
		}
		if err := br.db.Message.Insert(ctx, mapping); err != nil && !errors.Is(err, store.ErrConflict) {
			br.checkStoreErr(err)
			return fmt.Errorf("record pending mapping: %w", err)
		}
	}

	var info *feishuMessageRef
	if parentFeishu != "" {
		resp, sendErr := br.fs.ReplyMessage(ctx, parentFeishu, msgType, msgContent, uuid, room.ThreadMode)
		if sendErr != nil {
			return fmt.Errorf("reply to %s: %w", parentFeishu, sendErr)
		}
		info = &feishuMessageRef{MessageID: resp.MessageID}
	} else {
		resp, sendErr := br.fs.SendMessage(ctx, room.FeishuChatID, msgType, msgContent, uuid)
		if sendErr != nil {
			return fmt.Errorf("send to %s: %w", room.FeishuChatID, sendErr)
		}
		info = &feishuMessageRef{MessageID: resp.MessageID}
	}

	// The accepted message_id and the claim removal land atomically, so a
	// retry after a crash here either sees the committed mapping or an
	// intact claim, never a half-cleared state.
	err = br.db.DoTxn(ctx, func(txnCtx context.Context) error {
		if commitErr := br.db.Message.CommitByMatrixID(txnCtx, evt.ID, info.MessageID); commitErr != nil {
			return commitErr
		}
		return br.db.Processed.Forget(txnCtx, store.SourceOutbound, uuid)
	})
	if err != nil {
		br.checkStoreErr(err)
		br.parkDivergence(ctx, store.DirectionMatrixToFeishu, room.FeishuChatID, evt.ID, info.MessageID, err.Error())
		return nil
	}
	return nil
}

type feishuMessageRef struct {
	MessageID string
}

// encodeMatrixMessage turns Matrix message content into a Feishu message
// type and content body. The uuid kind separates the idempotency scope of a
// normal send from a degraded fallback for the same event.
func (br *Bridge) encodeMatrixMessage(ctx context.Context, content *event.MessageEventContent) (msgType, msgContent string, kind store.MessageKind, uuidKind string, err error) {
	switch content.MsgType {
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		msgType, msgContent, err = br.media.uploadToFeishu(ctx, content)
		return msgType, msgContent, store.MessageKindMedia, "send", err
	default:
		encodable := content
		if body, cut := br.policy.truncate(content.Body); cut {
			br.metrics.Degraded("text_truncated")
			clone := *content
			clone.Body = body
			clone.Format = ""
			clone.FormattedBody = ""
			encodable = &clone
		}
		if content.MsgType == event.MsgEmote {
			clone := *encodable
			clone.Body = "* " + clone.Body
			if clone.FormattedBody != "" {
				clone.FormattedBody = "* " + clone.FormattedBody
			}
			encodable = &clone
		}
		conv := matrixfmt.ToFeishu(encodable, br.resolveMatrixMention(ctx))
		if conv.Degraded {
			br.metrics.Degraded(conv.Reason)
		}
		kind = store.MessageKindText
		if content.MsgType == event.MsgNotice {
			kind = store.MessageKindNotice
		}
		return conv.MsgType, conv.Content, kind, "send", nil
	}
}

// resolveOutboundParent maps the reply or thread target of an outgoing
// message to its Feishu identifiers. Unmapped targets degrade to a plain
// send.
func (br *Bridge) resolveOutboundParent(ctx context.Context, content *event.MessageEventContent) (parentFeishu, threadRoot string) {
	replyTo := content.RelatesTo.GetReplyTo()
	threadParent := content.RelatesTo.GetThreadParent()
	lookup := func(eventID id.EventID) *store.MessageMapping {
		if eventID == "" {
			return nil
		}
		mm, err := br.db.Message.GetByMatrixID(ctx, eventID)
		if err != nil || mm == nil || mm.FeishuMessageID == "" {
			return nil
		}
		return mm
	}
	if mm := lookup(replyTo); mm != nil {
		parentFeishu = mm.FeishuMessageID
		threadRoot = mm.ThreadRootFeishu
		if threadRoot == "" {
			threadRoot = mm.FeishuMessageID
		}
		return parentFeishu, threadRoot
	}
	if mm := lookup(threadParent); mm != nil {
		return mm.FeishuMessageID, mm.FeishuMessageID
	}
	return "", ""
}

// bridgeMatrixEdit updates the Feishu copy of an edited message. An edit
// whose encoded content matches the stored hash is a no-op: delivering it
// would bump the remote edit counter with no visible change.
func (br *Bridge) bridgeMatrixEdit(ctx context.Context, evt *event.Event, targetID id.EventID, content *event.MessageEventContent) error {
	mapping, err := br.db.Message.GetByMatrixID(ctx, targetID)
	if err != nil {
		br.checkStoreErr(err)
		return err
	}
	if mapping == nil || mapping.FeishuMessageID == "" {
		br.log.Debug().Stringer("target", targetID).Msg("Edit of unmapped message, dropping")
		return nil
	}
	if mapping.Status == store.MessageRedacted {
		return nil
	}
	if mapping.Kind == store.MessageKindMedia || mapping.Kind == store.MessageKindCard {
		br.metrics.Degraded("edit_unsupported")
		br.log.Debug().Stringer("target", targetID).Str("kind", string(mapping.Kind)).
			Msg("Edit target kind cannot be updated on Feishu, dropping")
		return nil
	}

	newContent := content.NewContent
	if newContent == nil {
		newContent = content
	}
	if !br.policy.allowMsgType(newContent.MsgType) {
		br.metrics.Trace("m2f", "dropped")
		return nil
	}
	encodable := newContent
	if body, cut := br.policy.truncate(newContent.Body); cut {
		br.metrics.Degraded("text_truncated")
		clone := *newContent
		clone.Body = body
		clone.Format = ""
		clone.FormattedBody = ""
		encodable = &clone
	}
	conv := matrixfmt.ToFeishu(encodable, br.resolveMatrixMention(ctx))
	if conv.Degraded {
		br.metrics.Degraded(conv.Reason)
	}

	newHash := contentHash(conv.MsgType, conv.Content)
	if newHash == mapping.ContentHash {
		br.metrics.Trace("m2f", "noop")
		return nil
	}
	if err := br.fs.UpdateMessage(ctx, mapping.FeishuMessageID, conv.MsgType, conv.Content); err != nil {
		return fmt.Errorf("update %s: %w", mapping.FeishuMessageID, err)
	}
	if err := br.db.Message.SetContentHash(ctx, targetID, newHash); err != nil {
		br.checkStoreErr(err)
		return err
	}
	return nil
}

// bridgeMatrixRedaction recalls the Feishu copy of a redacted message.
func (br *Bridge) bridgeMatrixRedaction(ctx context.Context, evt *event.Event) error {
	target := evt.Redacts
	if target == "" {
		if parsed, ok := evt.Content.Parsed.(*event.RedactionEventContent); ok {
			target = parsed.Redacts
		}
	}
	if target == "" {
		return nil
	}
	mapping, err := br.db.Message.GetByMatrixID(ctx, target)
	if err != nil {
		br.checkStoreErr(err)
		return err
	}
	if mapping == nil {
		br.log.Debug().Stringer("target", target).Msg("Redaction of unmapped message, dropping")
		return nil
	}
	if mapping.Status == store.MessageRedacted {
		return nil
	}
	if mapping.FeishuMessageID == "" {
		br.log.Debug().Stringer("target", target).Msg("Redaction of undelivered message, marking locally")
		return br.db.Message.MarkRedactedByMatrixID(ctx, target)
	}
	if err := br.fs.RecallMessage(ctx, mapping.FeishuMessageID); err != nil {
		return fmt.Errorf("recall %s: %w", mapping.FeishuMessageID, err)
	}
	if err := br.db.Message.MarkRedactedByMatrixID(ctx, target); err != nil {
		br.checkStoreErr(err)
		return err
	}
	return nil
}
