package ws

import (
	"encoding/json"
	"sync"
	"time"

	"CivicLink/pkg/zlog"

	"github.com/gorilla/websocket"
)

// Hub 按组名（group）管理连接。同一个连接可以加入多个组，
// 组内推送按入队顺序发送；跨组之间不保证顺序。
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		groups: make(map[string]map[*Client]struct{}),
	}
}

// Join 将连接加入一个组
func (h *Hub) Join(group string, c *Client) {
	if c == nil || group == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.groups[group]
	if set == nil {
		set = make(map[*Client]struct{})
		h.groups[group] = set
	}
	set[c] = struct{}{}
	c.mu.Lock()
	c.groups[group] = struct{}{}
	c.mu.Unlock()
}

// Leave 将连接从单个组移除
func (h *Hub) Leave(group string, c *Client) {
	if c == nil || group == "" {
		return
	}
	h.mu.Lock()
	set := h.groups[group]
	if set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.groups, group)
		}
	}
	h.mu.Unlock()
	c.mu.Lock()
	delete(c.groups, group)
	c.mu.Unlock()
}

// Unregister 将连接从其所有组移除并关闭
func (h *Hub) Unregister(c *Client) {
	if c == nil {
		return
	}
	c.mu.Lock()
	groups := make([]string, 0, len(c.groups))
	for g := range c.groups {
		groups = append(groups, g)
	}
	c.mu.Unlock()

	// 关闭必须在写锁内完成：Send 在读锁内往 send 投递，
	// 锁把关闭和投递隔开，不会往已关闭的通道写
	h.mu.Lock()
	for _, g := range groups {
		set := h.groups[g]
		if set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.groups, g)
			}
		}
	}
	c.Close()
	h.mu.Unlock()
}

// Send 向组内所有连接推送。发送缓冲满的慢连接会被直接移除，
// 推送是尽力而为的，掉线客户端靠历史拉取接口重新对齐。
func (h *Hub) Send(group string, payload []byte) bool {
	if group == "" || len(payload) == 0 {
		return false
	}

	// 投递在读锁内进行，组员此刻一定没被 Unregister 关闭；
	// 缓冲满的慢连接先记下来，放锁后再摘除
	ok := false
	var slow []*Client
	h.mu.RLock()
	for c := range h.groups[group] {
		if c == nil {
			continue
		}
		select {
		case c.send <- payload:
			ok = true
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.Unregister(c)
	}
	return ok
}

func (h *Hub) SendJSON(group string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Send(group, b)
	return nil
}

// GroupSize 返回组内连接数（测试与监控用）
func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

type Client struct {
	clientID string
	conn     *websocket.Conn
	send     chan []byte

	mu     sync.Mutex
	groups map[string]struct{}

	closeOnce sync.Once
}

func NewClient(clientID string, conn *websocket.Conn) *Client {
	return &Client{
		clientID: clientID,
		conn:     conn,
		send:     make(chan []byte, 64),
		groups:   make(map[string]struct{}),
	}
}

func (c *Client) ClientID() string {
	return c.clientID
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *Client) WritePump() {
	if c.conn == nil {
		return
	}
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			zlog.Error(err.Error())
			return
		}
	}
}
