// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-feishu/pkg/store"
)

const mappingCacheSize = 1000

// mappingCaches keeps hot room and user mappings in memory in front of the
// store. Every mapping is indexed under both of its identifiers ("mx:" and
// "fs:" keys), so either side of the bridge hits the same entry.
type mappingCaches struct {
	metrics *Metrics
	rooms   *lru.Cache[string, *store.RoomMapping]
	users   *lru.Cache[string, *store.UserMapping]
}

func newMappingCaches(metrics *Metrics) (*mappingCaches, error) {
	rooms, err := lru.New[string, *store.RoomMapping](mappingCacheSize)
	if err != nil {
		return nil, fmt.Errorf("room cache: %w", err)
	}
	users, err := lru.New[string, *store.UserMapping](mappingCacheSize)
	if err != nil {
		return nil, fmt.Errorf("user cache: %w", err)
	}
	return &mappingCaches{metrics: metrics, rooms: rooms, users: users}, nil
}

func (c *mappingCaches) roomByMatrix(roomID id.RoomID) *store.RoomMapping {
	rm, ok := c.rooms.Get("mx:" + string(roomID))
	c.metrics.Cache("room", ok)
	return rm
}

func (c *mappingCaches) roomByFeishu(chatID string) *store.RoomMapping {
	rm, ok := c.rooms.Get("fs:" + chatID)
	c.metrics.Cache("room", ok)
	return rm
}

func (c *mappingCaches) putRoom(rm *store.RoomMapping) {
	if rm == nil {
		return
	}
	c.rooms.Add("mx:"+string(rm.MatrixRoomID), rm)
	c.rooms.Add("fs:"+rm.FeishuChatID, rm)
}

func (c *mappingCaches) dropRoom(roomID id.RoomID, chatID string) {
	c.rooms.Remove("mx:" + string(roomID))
	c.rooms.Remove("fs:" + chatID)
}

func (c *mappingCaches) userByFeishu(openID string) *store.UserMapping {
	um, ok := c.users.Get("fs:" + openID)
	c.metrics.Cache("user", ok)
	return um
}

func (c *mappingCaches) userByMatrix(userID id.UserID) *store.UserMapping {
	um, ok := c.users.Get("mx:" + string(userID))
	c.metrics.Cache("user", ok)
	return um
}

func (c *mappingCaches) putUser(um *store.UserMapping) {
	if um == nil {
		return
	}
	c.users.Add("fs:"+um.FeishuOpenID, um)
	c.users.Add("mx:"+string(um.MatrixUserID), um)
}
