// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// AppServiceAPI implements MatrixAPI on top of appservice intents: puppet
// operations run as the puppet's intent, room management as the bridge bot.
type AppServiceAPI struct {
	as *appservice.AppService
}

var _ MatrixAPI = (*AppServiceAPI)(nil)

func NewAppServiceAPI(as *appservice.AppService) *AppServiceAPI {
	return &AppServiceAPI{as: as}
}

func (a *AppServiceAPI) intentFor(sender id.UserID) *appservice.IntentAPI {
	if sender == "" || sender == a.as.BotMXID() {
		return a.as.BotIntent()
	}
	return a.as.Intent(sender)
}

func (a *AppServiceAPI) SendMessage(ctx context.Context, sender id.UserID, roomID id.RoomID, content *event.MessageEventContent, extra map[string]any) (id.EventID, error) {
	intent := a.intentFor(sender)
	if err := intent.EnsureJoined(ctx, roomID); err != nil {
		return "", fmt.Errorf("join %s: %w", roomID, err)
	}
	wrapped := &event.Content{Parsed: content, Raw: extra}
	resp, err := intent.SendMessageEvent(ctx, roomID, event.EventMessage, wrapped)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (a *AppServiceAPI) SendNotice(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	bot := a.as.BotIntent()
	if err := bot.EnsureJoined(ctx, roomID); err != nil {
		return "", fmt.Errorf("join %s: %w", roomID, err)
	}
	resp, err := bot.SendNotice(ctx, roomID, text)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (a *AppServiceAPI) RedactEvent(ctx context.Context, sender id.UserID, roomID id.RoomID, eventID id.EventID) error {
	_, err := a.intentFor(sender).RedactEvent(ctx, roomID, eventID)
	return err
}

func (a *AppServiceAPI) CreateRoom(ctx context.Context, name, topic string) (id.RoomID, error) {
	resp, err := a.as.BotIntent().CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "private_chat",
		Name:       name,
		Topic:      topic,
	})
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (a *AppServiceAPI) SetRoomName(ctx context.Context, roomID id.RoomID, name string) error {
	_, err := a.as.BotIntent().SendStateEvent(ctx, roomID, event.StateRoomName, "",
		&event.RoomNameEventContent{Name: name})
	return err
}

func (a *AppServiceAPI) EnsureRegistered(ctx context.Context, userID id.UserID) error {
	return a.as.Intent(userID).EnsureRegistered(ctx)
}

func (a *AppServiceAPI) SetDisplayName(ctx context.Context, userID id.UserID, displayname string) error {
	return a.as.Intent(userID).SetDisplayName(ctx, displayname)
}

func (a *AppServiceAPI) EnsureJoined(ctx context.Context, userID id.UserID, roomID id.RoomID) error {
	return a.as.Intent(userID).EnsureJoined(ctx, roomID)
}

func (a *AppServiceAPI) LeaveRoom(ctx context.Context, userID id.UserID, roomID id.RoomID) error {
	_, err := a.as.Intent(userID).LeaveRoom(ctx, roomID)
	return err
}

func (a *AppServiceAPI) DownloadMedia(ctx context.Context, uri id.ContentURIString) ([]byte, error) {
	parsed, err := uri.Parse()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", uri, err)
	}
	return a.as.BotIntent().DownloadBytes(ctx, parsed)
}

func (a *AppServiceAPI) UploadMedia(ctx context.Context, data []byte, mimeType, fileName string) (id.ContentURIString, error) {
	resp, err := a.as.BotIntent().UploadMedia(ctx, mautrix.ReqUploadMedia{
		ContentBytes: data,
		ContentType:  mimeType,
		FileName:     fileName,
	})
	if err != nil {
		return "", err
	}
	return resp.ContentURI.CUString(), nil
}
