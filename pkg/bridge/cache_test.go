// Copyright 2024-2026 Aiku AI

package bridge

import (
	"testing"

	"github.com/aiku/mautrix-feishu/pkg/store"
)

func TestMappingCachesRoomDoubleIndex(t *testing.T) {
	t.Parallel()
	caches, err := newMappingCaches(NewMetrics())
	if err != nil {
		t.Fatalf("newMappingCaches: %v", err)
	}

	if rm := caches.roomByMatrix("!room:test.lan"); rm != nil {
		t.Fatal("empty cache should miss")
	}

	caches.putRoom(&store.RoomMapping{MatrixRoomID: "!room:test.lan", FeishuChatID: "oc_chat"})

	byMX := caches.roomByMatrix("!room:test.lan")
	if byMX == nil || byMX.FeishuChatID != "oc_chat" {
		t.Fatalf("roomByMatrix: got %+v", byMX)
	}
	byFS := caches.roomByFeishu("oc_chat")
	if byFS == nil || byFS.MatrixRoomID != "!room:test.lan" {
		t.Fatalf("roomByFeishu: got %+v", byFS)
	}

	caches.dropRoom("!room:test.lan", "oc_chat")
	if rm := caches.roomByMatrix("!room:test.lan"); rm != nil {
		t.Error("matrix index should be gone after drop")
	}
	if rm := caches.roomByFeishu("oc_chat"); rm != nil {
		t.Error("feishu index should be gone after drop")
	}
}

func TestMappingCachesUserDoubleIndex(t *testing.T) {
	t.Parallel()
	caches, err := newMappingCaches(NewMetrics())
	if err != nil {
		t.Fatalf("newMappingCaches: %v", err)
	}

	caches.putUser(&store.UserMapping{MatrixUserID: "@feishu_ou_1:test.lan", FeishuOpenID: "ou_1"})

	if got := caches.userByFeishu("ou_1"); got == nil || got.MatrixUserID != "@feishu_ou_1:test.lan" {
		t.Fatalf("userByFeishu: got %+v", got)
	}
	if got := caches.userByMatrix("@feishu_ou_1:test.lan"); got == nil || got.FeishuOpenID != "ou_1" {
		t.Fatalf("userByMatrix: got %+v", got)
	}
}

func TestMappingCachesNilTolerant(t *testing.T) {
	t.Parallel()
	caches, err := newMappingCaches(NewMetrics())
	if err != nil {
		t.Fatalf("newMappingCaches: %v", err)
	}
	caches.putRoom(nil)
	caches.putUser(nil)
	if rm := caches.roomByMatrix(""); rm != nil {
		t.Error("nil put must not create entries")
	}
}
