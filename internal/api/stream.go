package api

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/logger"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/consolidator"
)

const subscriberBuffer = 64

// Hub fans consolidator events out to stream subscribers. Slow subscribers
// miss events rather than block ingestion.
type Hub struct {
	mu     sync.RWMutex
	subs   map[chan consolidator.Event]string
	missed atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan consolidator.Event]string)}
}

// Publish is a consolidator.Observer.
func (h *Hub) Publish(ev consolidator.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, app := range h.subs {
		if app != "" && app != ev.App {
			continue
		}
		select {
		case ch <- ev:
		default:
			h.missed.Add(1)
		}
	}
}

// Subscribe returns events for app, or for every app when app is empty.
func (h *Hub) Subscribe(app string) (<-chan consolidator.Event, func()) {
	ch := make(chan consolidator.Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = app
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Missed counts events dropped for full subscriber buffers.
func (h *Hub) Missed() int64 { return h.missed.Load() }

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     checkStreamOrigin,
}

// checkStreamOrigin accepts clients without an Origin header, same-host
// pages and the localhost origins the CORS middleware allows.
func checkStreamOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || isLocalOrigin(origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// streamHandler upgrades to a websocket and writes one JSON message per
// event until the client goes away.
func streamHandler(h *Hub, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		app := c.Param("app")
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.LogError(c.Request.Context(), err, "api.stream.upgrade", "app", app)
			return
		}
		defer conn.Close()

		events, cancel := h.Subscribe(app)
		defer cancel()

		// reader only watches for the close frame
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(30 * time.Second)
		defer ping.Stop()

		for {
			select {
			case <-closed:
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			case ev := <-events:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}
}
