// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-feishu/pkg/store"
)

// handleCommand answers a management command addressed to the bridge bot.
// Commands run inline rather than through the chat queues: they must work
// in rooms that are not bridged yet.
func (br *Bridge) handleCommand(ctx context.Context, evt *event.Event, content *event.MessageEventContent) {
	rest := strings.TrimSpace(strings.TrimPrefix(content.Body, br.cfg.Bridge.CommandPrefix))
	args := strings.Fields(rest)
	cmd := "help"
	if len(args) > 0 {
		cmd = strings.ToLower(args[0])
		args = args[1:]
	}
	log := br.log.With().
		Stringer("sender", evt.Sender).
		Stringer("room_id", evt.RoomID).
		Str("command", cmd).
		Logger()

	if !br.cfg.Bridge.CanUse(evt.Sender.String()) {
		log.Debug().Msg("Command from unauthorized user, ignoring")
		return
	}
	log.Debug().Msg("Handling command")

	switch cmd {
	case "ping":
		br.reply(ctx, evt, fmt.Sprintf("Pong! Bridge is %s, up %s.",
			runningWord(br.Running()), br.Uptime().Round(time.Second)))
	case "status":
		br.cmdStatus(ctx, evt)
	case "bridge":
		if !br.cfg.Bridge.IsAdmin(evt.Sender.String()) {
			br.reply(ctx, evt, "Only bridge admins can use `bridge`.")
			return
		}
		if len(args) != 1 {
			br.reply(ctx, evt, "Usage: `"+br.cfg.Bridge.CommandPrefix+" bridge <feishu chat ID>`")
			return
		}
		br.cmdBridge(ctx, evt, args[0])
	case "unbridge":
		if !br.cfg.Bridge.IsAdmin(evt.Sender.String()) {
			br.reply(ctx, evt, "Only bridge admins can use `unbridge`.")
			return
		}
		br.cmdUnbridge(ctx, evt)
	case "help":
		br.reply(ctx, evt, br.helpText())
	default:
		br.reply(ctx, evt, fmt.Sprintf("Unknown command %q. Try `%s help`.", cmd, br.cfg.Bridge.CommandPrefix))
	}
}

func (br *Bridge) reply(ctx context.Context, evt *event.Event, text string) {
	if _, err := br.mx.SendNotice(ctx, evt.RoomID, text); err != nil {
		br.log.Warn().Err(err).Stringer("room_id", evt.RoomID).Msg("Failed to send command reply")
	}
}

func runningWord(running bool) string {
	if running {
		return "running"
	}
	return "stopped"
}

func (br *Bridge) helpText() string {
	prefix := br.cfg.Bridge.CommandPrefix
	return strings.Join([]string{
		"Commands:",
		"* `" + prefix + " ping` - check that the bridge is alive",
		"* `" + prefix + " status` - queue depth and dead letter counts",
		"* `" + prefix + " bridge <chat ID>` - bridge this room to a Feishu chat (admin)",
		"* `" + prefix + " unbridge` - remove the mapping for this room (admin)",
		"* `" + prefix + " help` - this message",
	}, "\n")
}

func (br *Bridge) cmdStatus(ctx context.Context, evt *event.Event) {
	depth, depthMax := br.QueueDepth()
	counts, err := br.db.DeadLetter.CountByStatus(ctx)
	if err != nil {
		br.checkStoreErr(err)
		br.reply(ctx, evt, "Failed to read dead letter counts: "+err.Error())
		return
	}
	br.reply(ctx, evt, fmt.Sprintf(
		"Bridge is %s. Queue depth %d (max seen %d). Dead letters: %d pending, %d replayed, %d abandoned.",
		runningWord(br.Running()), depth, depthMax,
		counts[store.DeadLetterPending], counts[store.DeadLetterReplayed], counts[store.DeadLetterAbandoned]))
}

func (br *Bridge) cmdBridge(ctx context.Context, evt *event.Event, chatID string) {
	if existing := br.roomForMatrixID(ctx, evt.RoomID); existing != nil {
		br.reply(ctx, evt, fmt.Sprintf("This room is already bridged to %s. Run `%s unbridge` first.",
			existing.FeishuChatID, br.cfg.Bridge.CommandPrefix))
		return
	}
	if other, err := br.db.Room.GetByFeishuID(ctx, chatID); err != nil {
		br.checkStoreErr(err)
		br.reply(ctx, evt, "Storage error: "+err.Error())
		return
	} else if other != nil {
		br.reply(ctx, evt, fmt.Sprintf("Chat %s is already bridged to %s.", chatID, other.MatrixRoomID))
		return
	}
	info, err := br.fs.GetChat(ctx, chatID)
	if err != nil {
		br.reply(ctx, evt, fmt.Sprintf("Could not look up chat %s: %v", chatID, err))
		return
	}
	rm := &store.RoomMapping{
		MatrixRoomID:  evt.RoomID,
		FeishuChatID:  chatID,
		ChatType:      chatTypeFromMode(info.ChatMode),
		ThreadMode:    info.ChatMode == "topic",
		DisplayName:   info.Name,
		OwnerIdentity: info.OwnerID,
		Status:        store.RoomActive,
	}
	if err := br.db.Room.Upsert(ctx, rm); err != nil {
		br.checkStoreErr(err)
		br.reply(ctx, evt, "Failed to save mapping: "+err.Error())
		return
	}
	br.caches.putRoom(rm)
	br.log.Info().
		Stringer("room_id", evt.RoomID).
		Str("chat_id", chatID).
		Stringer("sender", evt.Sender).
		Msg("Room bridged by command")
	br.reply(ctx, evt, fmt.Sprintf("Bridged this room to %q (%s).", info.Name, chatID))
}

func (br *Bridge) cmdUnbridge(ctx context.Context, evt *event.Event) {
	rm := br.roomForMatrixID(ctx, evt.RoomID)
	if rm == nil {
		br.reply(ctx, evt, "This room is not bridged.")
		return
	}
	deleted, err := br.db.Room.Delete(ctx, evt.RoomID)
	if err != nil {
		br.checkStoreErr(err)
		br.reply(ctx, evt, "Failed to remove mapping: "+err.Error())
		return
	}
	br.caches.dropRoom(rm.MatrixRoomID, rm.FeishuChatID)
	if !deleted {
		br.reply(ctx, evt, "This room is not bridged.")
		return
	}
	br.log.Info().
		Stringer("room_id", evt.RoomID).
		Str("chat_id", rm.FeishuChatID).
		Stringer("sender", evt.Sender).
		Msg("Room unbridged by command")
	br.reply(ctx, evt, fmt.Sprintf("Unbridged this room from %s.", rm.FeishuChatID))
}
