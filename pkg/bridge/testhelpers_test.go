// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-feishu/pkg/config"
	"github.com/aiku/mautrix-feishu/pkg/feishu"
	"github.com/aiku/mautrix-feishu/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	uri := "file:" + filepath.Join(t.TempDir(), "bridge-test.db") + "?_txlock=immediate"
	db, err := dbutil.NewWithDialect(uri, "sqlite3")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	s := store.New(db)
	if err := s.Upgrade(context.Background()); err != nil {
		t.Fatalf("failed to upgrade schema: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Homeserver.Address = "http://localhost:8008"
	cfg.Homeserver.Domain = "test.lan"
	cfg.AppService.ID = "feishu"
	cfg.AppService.Bot.Username = "feishubot"
	cfg.AppService.ASToken = "as-token"
	cfg.AppService.HSToken = "hs-token"
	cfg.Feishu.AppID = "cli_test"
	cfg.Feishu.AppSecret = "secret"
	cfg.Feishu.VerificationToken = "verify-token"
	cfg.Bridge.UsernameTemplate = "feishu_{{.}}"
	cfg.Bridge.DisplaynameTemplate = "{{.}} (Feishu)"
	cfg.Bridge.Permissions = map[string]string{
		"test.lan":        "user",
		"@admin:test.lan": "admin",
	}
	cfg.Bridge.EnableFailureDegrade = true
	cfg.Bridge.Queue.Workers = 4
	cfg.Bridge.Queue.Depth = 64
	cfg.Bridge.ShutdownGraceSeconds = 1
	cfg.Admin.AdminToken = "admin-token"
	cfg.Admin.ReadToken = "read-token"
	cfg.Admin.WriteToken = "write-token"
	cfg.Admin.DeleteToken = "delete-token"
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	return cfg
}

// fsSend records one outbound Feishu send or reply.
type fsSend struct {
	ChatID   string
	ParentID string
	MsgType  string
	Content  string
	UUID     string
	InThread bool
}

// fsUpdate records one outbound message edit.
type fsUpdate struct {
	MessageID string
	MsgType   string
	Content   string
}

// fakeFeishu implements FeishuAPI in memory. Canned responses live in the
// exported maps, error fields force the next matching call to fail, and the
// uuid dedupe mirrors the real API: resending with a known uuid returns the
// original message without recording a new send.
type fakeFeishu struct {
	mu           sync.Mutex
	sent         []fsSend
	updates      []fsUpdate
	recalled     []string
	nextMsgID    int
	seenUUIDs    map[string]*feishu.MessageInfo
	imageUploads int
	fileUploads  int

	Chats    map[string]*feishu.ChatInfo
	Users    map[string]*feishu.UserInfo
	Messages map[string]*feishu.MessageInfo
	// Resources maps messageID+"/"+fileKey to raw bytes for downloads.
	Resources map[string][]byte

	SendErr     error
	UpdateErr   error
	RecallErr   error
	GetChatErr  error
	GetUserErr  error
	UploadErr   error
	DownloadErr error
}

func newFakeFeishu() *fakeFeishu {
	return &fakeFeishu{
		seenUUIDs: make(map[string]*feishu.MessageInfo),
		Chats:     make(map[string]*feishu.ChatInfo),
		Users:     make(map[string]*feishu.UserInfo),
		Messages:  make(map[string]*feishu.MessageInfo),
		Resources: make(map[string][]byte),
	}
}

func (f *fakeFeishu) send(chatID, parentID, msgType, content, uuid string, inThread bool) (*feishu.MessageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return nil, f.SendErr
	}
	if info, ok := f.seenUUIDs[uuid]; ok {
		return info, nil
	}
	f.nextMsgID++
	info := &feishu.MessageInfo{
		MessageID: fmt.Sprintf("om_sent_%d", f.nextMsgID),
		ChatID:    chatID,
		MsgType:   msgType,
		ParentID:  parentID,
	}
	info.Body.Content = content
	f.seenUUIDs[uuid] = info
	f.Messages[info.MessageID] = info
	f.sent = append(f.sent, fsSend{
		ChatID:   chatID,
		ParentID: parentID,
		MsgType:  msgType,
		Content:  content,
		UUID:     uuid,
		InThread: inThread,
	})
	return info, nil
}

func (f *fakeFeishu) SendMessage(_ context.Context, chatID, msgType, content, uuid string) (*feishu.MessageInfo, error) {
	return f.send(chatID, "", msgType, content, uuid, false)
}

func (f *fakeFeishu) ReplyMessage(_ context.Context, parentMessageID, msgType, content, uuid string, inThread bool) (*feishu.MessageInfo, error) {
	return f.send("", parentMessageID, msgType, content, uuid, inThread)
}

func (f *fakeFeishu) UpdateMessage(_ context.Context, messageID, msgType, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UpdateErr != nil {
		return f.UpdateErr
	}
	f.updates = append(f.updates, fsUpdate{MessageID: messageID, MsgType: msgType, Content: content})
	return nil
}

func (f *fakeFeishu) RecallMessage(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RecallErr != nil {
		return f.RecallErr
	}
	f.recalled = append(f.recalled, messageID)
	return nil
}

func (f *fakeFeishu) GetMessage(_ context.Context, messageID string) (*feishu.MessageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.Messages[messageID]; ok {
		return info, nil
	}
	return nil, &feishu.Error{API: "im.message.get", HTTPStatus: 404, Code: 230001, Msg: "message not found"}
}

func (f *fakeFeishu) GetChat(_ context.Context, chatID string) (*feishu.ChatInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetChatErr != nil {
		return nil, f.GetChatErr
	}
	if info, ok := f.Chats[chatID]; ok {
		return info, nil
	}
	return nil, &feishu.Error{API: "im.chat.get", HTTPStatus: 404, Code: 232001, Msg: "chat not found"}
}

func (f *fakeFeishu) GetUser(_ context.Context, openID string) (*feishu.UserInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetUserErr != nil {
		return nil, f.GetUserErr
	}
	if info, ok := f.Users[openID]; ok {
		return info, nil
	}
	return nil, &feishu.Error{API: "contact.user.get", HTTPStatus: 404, Code: 40003, Msg: "user not found"}
}

func (f *fakeFeishu) UploadImage(_ context.Context, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UploadErr != nil {
		return "", f.UploadErr
	}
	f.imageUploads++
	return fmt.Sprintf("img_key_%d", len(data)), nil
}

func (f *fakeFeishu) UploadFile(_ context.Context, fileType, fileName string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UploadErr != nil {
		return "", f.UploadErr
	}
	f.fileUploads++
	return fmt.Sprintf("file_key_%s_%d", fileType, len(data)), nil
}

func (f *fakeFeishu) ImageUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.imageUploads
}

func (f *fakeFeishu) FileUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fileUploads
}

func (f *fakeFeishu) DownloadResource(_ context.Context, messageID, fileKey, _ string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DownloadErr != nil {
		return nil, "", f.DownloadErr
	}
	if data, ok := f.Resources[messageID+"/"+fileKey]; ok {
		return data, "application/octet-stream", nil
	}
	return nil, "", &feishu.Error{API: "im.message.resource", HTTPStatus: 404, Code: 230001, Msg: "resource not found"}
}

func (f *fakeFeishu) Sent() []fsSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]fsSend, len(f.sent))
	copy(cp, f.sent)
	return cp
}

func (f *fakeFeishu) Updates() []fsUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]fsUpdate, len(f.updates))
	copy(cp, f.updates)
	return cp
}

func (f *fakeFeishu) Recalled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]string, len(f.recalled))
	copy(cp, f.recalled)
	return cp
}

// mxSend records one message delivered into a Matrix room.
type mxSend struct {
	Sender  id.UserID
	RoomID  id.RoomID
	Content *event.MessageEventContent
	Extra   map[string]any
	EventID id.EventID
}

// mxNotice records one bot notice.
type mxNotice struct {
	RoomID id.RoomID
	Text   string
}

// mxRedaction records one redaction.
type mxRedaction struct {
	Sender  id.UserID
	RoomID  id.RoomID
	EventID id.EventID
}

// fakeMatrix implements MatrixAPI in memory.
type fakeMatrix struct {
	mu           sync.Mutex
	sent         []mxSend
	notices      []mxNotice
	redactions   []mxRedaction
	created      []id.RoomID
	joined       map[string]bool
	left         map[string]bool
	registered   map[id.UserID]bool
	displaynames map[id.UserID]string
	nextEventID  int
	nextRoomID   int

	// Media maps content URIs to raw bytes for downloads.
	Media map[id.ContentURIString][]byte

	SendErr       error
	NoticeErr     error
	RedactErr     error
	CreateRoomErr error
	DownloadErr   error
	UploadErr     error
}

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		joined:       make(map[string]bool),
		left:         make(map[string]bool),
		registered:   make(map[id.UserID]bool),
		displaynames: make(map[id.UserID]string),
		Media:        make(map[id.ContentURIString][]byte),
	}
}

func (m *fakeMatrix) SendMessage(_ context.Context, sender id.UserID, roomID id.RoomID, content *event.MessageEventContent, extra map[string]any) (id.EventID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return "", m.SendErr
	}
	m.nextEventID++
	evtID := id.EventID(fmt.Sprintf("$sent_%d", m.nextEventID))
	m.sent = append(m.sent, mxSend{Sender: sender, RoomID: roomID, Content: content, Extra: extra, EventID: evtID})
	return evtID, nil
}

func (m *fakeMatrix) SendNotice(_ context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.NoticeErr != nil {
		return "", m.NoticeErr
	}
	m.nextEventID++
	m.notices = append(m.notices, mxNotice{RoomID: roomID, Text: text})
	return id.EventID(fmt.Sprintf("$notice_%d", m.nextEventID)), nil
}

func (m *fakeMatrix) RedactEvent(_ context.Context, sender id.UserID, roomID id.RoomID, eventID id.EventID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RedactErr != nil {
		return m.RedactErr
	}
	m.redactions = append(m.redactions, mxRedaction{Sender: sender, RoomID: roomID, EventID: eventID})
	return nil
}

func (m *fakeMatrix) CreateRoom(_ context.Context, name, _ string) (id.RoomID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateRoomErr != nil {
		return "", m.CreateRoomErr
	}
	m.nextRoomID++
	roomID := id.RoomID(fmt.Sprintf("!created_%d_%s:test.lan", m.nextRoomID, sanitizeLocalpart(name)))
	m.created = append(m.created, roomID)
	return roomID, nil
}

func (m *fakeMatrix) SetRoomName(_ context.Context, _ id.RoomID, _ string) error {
	return nil
}

func (m *fakeMatrix) EnsureRegistered(_ context.Context, userID id.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered[userID] = true
	return nil
}

func (m *fakeMatrix) SetDisplayName(_ context.Context, userID id.UserID, displayname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.displaynames[userID] = displayname
	return nil
}

func (m *fakeMatrix) EnsureJoined(_ context.Context, userID id.UserID, roomID id.RoomID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joined[string(userID)+"|"+string(roomID)] = true
	return nil
}

func (m *fakeMatrix) LeaveRoom(_ context.Context, userID id.UserID, roomID id.RoomID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.left[string(userID)+"|"+string(roomID)] = true
	return nil
}

func (m *fakeMatrix) DownloadMedia(_ context.Context, uri id.ContentURIString) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DownloadErr != nil {
		return nil, m.DownloadErr
	}
	if data, ok := m.Media[uri]; ok {
		return data, nil
	}
	return nil, fmt.Errorf("no media at %s", uri)
}

func (m *fakeMatrix) UploadMedia(_ context.Context, data []byte, _, _ string) (id.ContentURIString, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UploadErr != nil {
		return "", m.UploadErr
	}
	uri := id.ContentURIString(fmt.Sprintf("mxc://test.lan/upload_%d", len(m.Media)))
	m.Media[uri] = data
	return uri, nil
}

func (m *fakeMatrix) Sent() []mxSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]mxSend, len(m.sent))
	copy(cp, m.sent)
	return cp
}

func (m *fakeMatrix) Notices() []mxNotice {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]mxNotice, len(m.notices))
	copy(cp, m.notices)
	return cp
}

func (m *fakeMatrix) Redactions() []mxRedaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]mxRedaction, len(m.redactions))
	copy(cp, m.redactions)
	return cp
}

func (m *fakeMatrix) Joined(userID id.UserID, roomID id.RoomID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joined[string(userID)+"|"+string(roomID)]
}

func (m *fakeMatrix) Left(userID id.UserID, roomID id.RoomID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.left[string(userID)+"|"+string(roomID)]
}

// newTestBridge builds a started bridge over fresh fakes and a temp store.
func newTestBridge(t *testing.T) (*Bridge, *fakeFeishu, *fakeMatrix) {
	t.Helper()
	return newTestBridgeWithConfig(t, newTestConfig(t))
}

func newTestBridgeWithConfig(t *testing.T, cfg *config.Config) (*Bridge, *fakeFeishu, *fakeMatrix) {
	t.Helper()
	fs := newFakeFeishu()
	mx := newFakeMatrix()
	br, err := New(cfg, newTestStore(t), fs, mx, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	br.Start()
	t.Cleanup(br.Stop)
	return br, fs, mx
}

// seedRoom inserts an active room mapping and returns it.
func seedRoom(t *testing.T, br *Bridge, chatID string, roomID id.RoomID, threaded bool) *store.RoomMapping {
	t.Helper()
	room := &store.RoomMapping{
		MatrixRoomID: roomID,
		FeishuChatID: chatID,
		ChatType:     store.ChatTypeGroup,
		ThreadMode:   threaded,
		Status:       store.RoomActive,
	}
	if err := br.db.Room.Upsert(context.Background(), room); err != nil {
		t.Fatalf("seed room: %v", err)
	}
	return room
}

// waitFor polls cond until it holds or the deadline passes. Used for
// assertions on work that went through the chat queues.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// feishuEventBody builds a schema 2.0 webhook body for the given event.
func feishuEventBody(t *testing.T, eventType, eventID, token string, evt any) []byte {
	t.Helper()
	raw, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	body, err := json.Marshal(map[string]any{
		"schema": "2.0",
		"header": map[string]any{
			"event_id":    eventID,
			"event_type":  eventType,
			"create_time": "1700000000000",
			"token":       token,
			"app_id":      "cli_test",
		},
		"event": json.RawMessage(raw),
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return body
}

// messageReceiveEvent builds the body of an im.message.receive_v1 event for
// a plain text message.
func messageReceiveEvent(messageID, chatID, senderOpenID, text string) *feishu.MessageReceiveEvent {
	evt := &feishu.MessageReceiveEvent{}
	evt.Sender.SenderID.OpenID = senderOpenID
	evt.Sender.SenderType = "user"
	evt.Message.MessageID = messageID
	evt.Message.ChatID = chatID
	evt.Message.ChatType = "group"
	evt.Message.MessageType = feishu.MsgTypeText
	evt.Message.Content = fmt.Sprintf(`{"text":%q}`, text)
	return evt
}
