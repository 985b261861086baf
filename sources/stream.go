package sources

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// statusEvent is one lifecycle update pushed to dashboard subscribers.
type statusEvent struct {
	SourceID  uint64  `json:"source_id"`
	BotID     uint64  `json:"bot_id"`
	Status    string  `json:"status"`
	PageCount int     `json:"page_count"`
	Error     *string `json:"error,omitempty"`
}

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamClient serializes writes to one websocket connection; gorilla allows
// at most one concurrent writer per connection.
type streamClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *streamClient) send(event statusEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(event)
}

// streamHub fans source status events out to websocket subscribers, keyed by
// bot. Slow or dead connections are dropped instead of blocking the callback
// path.
type streamHub struct {
	mu   sync.Mutex
	subs map[uint64]map[*streamClient]struct{}
}

func newStreamHub() *streamHub {
	return &streamHub{subs: make(map[uint64]map[*streamClient]struct{})}
}

func (h *streamHub) add(botID uint64, conn *websocket.Conn) *streamClient {
	client := &streamClient{conn: conn}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[botID] == nil {
		h.subs[botID] = make(map[*streamClient]struct{})
	}
	h.subs[botID][client] = struct{}{}
	return client
}

func (h *streamHub) remove(botID uint64, client *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.subs[botID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.subs, botID)
		}
	}
	_ = client.conn.Close()
}

func (h *streamHub) broadcast(event statusEvent) {
	h.mu.Lock()
	clients := make([]*streamClient, 0, len(h.subs[event.BotID]))
	for client := range h.subs[event.BotID] {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		if err := client.send(event); err != nil {
			h.remove(event.BotID, client)
		}
	}
}

// handleStream upgrades the request and streams status events for one bot's
// sources until the client goes away.
func (m *Module) handleStream(c *gin.Context) {
	team, err := m.teams.RequireTeam(c)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	bot, err := m.fetchBot(c.Request.Context(), team.ID, c.Param("botId"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}

	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("sources: stream upgrade failed: %v", err)
		return
	}
	client := m.hub.add(bot.ID, conn)

	// reader loop only detects disconnects; clients never send payloads
	go func() {
		defer m.hub.remove(bot.ID, client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
