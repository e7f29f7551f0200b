package service

import (
	"encoding/json"
	"fmt"

	"CivicLink/internal/modules/realtime/domain/event"
	"CivicLink/pkg/ws"
	"CivicLink/pkg/zlog"
)

// Broadcaster 把领域事件推给在线客户端。推送失败只记日志，
// 不回滚业务，离线端靠历史接口补齐。
type Broadcaster struct {
	hub *ws.Hub
}

func NewBroadcaster(hub *ws.Hub) *Broadcaster {
	return &Broadcaster{hub: hub}
}

func (b *Broadcaster) Hub() *ws.Hub {
	return b.hub
}

// Publish 向若干组推送同一事件，载荷只序列化一次
func (b *Broadcaster) Publish(kind event.Kind, payload interface{}, groups ...string) {
	if !kind.Valid() {
		zlog.Error(fmt.Sprintf("unregistered event kind: %d", int(kind)))
		return
	}
	body, err := json.Marshal(event.Envelope{
		Type: kind.String(),
		Data: payload,
	})
	if err != nil {
		zlog.Error(fmt.Sprintf("marshal event %s failed: %v", kind, err))
		return
	}
	for _, g := range groups {
		if g == "" {
			continue
		}
		b.hub.Send(g, body)
	}
}
