package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jaennil/terrainstream/internal/infrastructure/http/v1/dto"
	"github.com/jaennil/terrainstream/internal/terrain/manager"
	"github.com/jaennil/terrainstream/internal/terrain/tile"
	"github.com/jaennil/terrainstream/pkg/logger"
	"github.com/jaennil/terrainstream/pkg/metrics"
)

const (
	subscriberBuffer = 256
	writeTimeout     = 5 * time.Second
	readTimeout      = 60 * time.Second
	pingInterval     = readTimeout / 2
)

// EventHub fans tile lifecycle events out to websocket subscribers. Managers
// call it under their lock, so publishing never blocks: a subscriber whose
// buffer is full misses the event.
type EventHub struct {
	logger   logger.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	subs   map[uuid.UUID]chan []byte
	closed bool
}

var _ manager.Observer = (*EventHub)(nil)

func NewEventHub(l logger.Logger) *EventHub {
	return &EventHub{
		logger: logger.OrNop(l),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subs: make(map[uuid.UUID]chan []byte),
	}
}

func (hub *EventHub) TileLoaded(tier int, c tile.Coord, _ tile.Payload) {
	hub.publish(dto.TileEvent{Type: dto.TileLoadedEvent, Tier: tier, X: c.X, Z: c.Z, At: time.Now().UnixMilli()})
}

func (hub *EventHub) TileUnloaded(tier int, c tile.Coord) {
	hub.publish(dto.TileEvent{Type: dto.TileUnloadedEvent, Tier: tier, X: c.X, Z: c.Z, At: time.Now().UnixMilli()})
}

func (hub *EventHub) publish(ev dto.TileEvent) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if len(hub.subs) == 0 {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		hub.logger.Error("failed to encode tile event", "error", err)
		return
	}
	for _, ch := range hub.subs {
		select {
		case ch <- b:
		default:
			metrics.EventsDropped.Inc()
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func is safe to
// call more than once.
func (hub *EventHub) Subscribe() (uuid.UUID, <-chan []byte, func()) {
	id := uuid.New()
	ch := make(chan []byte, subscriberBuffer)

	hub.mu.Lock()
	if hub.closed {
		hub.mu.Unlock()
		close(ch)
		return id, ch, func() {}
	}
	hub.subs[id] = ch
	n := len(hub.subs)
	hub.mu.Unlock()
	metrics.EventSubscribers.Set(float64(n))

	var once sync.Once
	return id, ch, func() {
		once.Do(func() { hub.unsubscribe(id) })
	}
}

func (hub *EventHub) unsubscribe(id uuid.UUID) {
	hub.mu.Lock()
	ch, ok := hub.subs[id]
	if ok {
		delete(hub.subs, id)
		close(ch)
	}
	n := len(hub.subs)
	hub.mu.Unlock()
	metrics.EventSubscribers.Set(float64(n))
}

func (hub *EventHub) Subscribers() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.subs)
}

// Close ends every subscription.
func (hub *EventHub) Close() {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if hub.closed {
		return
	}
	hub.closed = true
	for id, ch := range hub.subs {
		delete(hub.subs, id)
		close(ch)
	}
	metrics.EventSubscribers.Set(0)
}

// Events upgrades the request to a websocket and streams tile events until
// either side closes.
func (h *Handler) Events(c *gin.Context) {
	hub := h.events
	l := loggerFrom(c)

	conn, err := hub.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id, events, cancel := hub.Subscribe()
	defer cancel()
	l.Info("event subscriber connected", "subscriber", id.String())

	writeErr := make(chan error, 1)
	go func() {
		ping := time.NewTicker(pingInterval)
		defer ping.Stop()
		for {
			select {
			case b, ok := <-events:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
						time.Now().Add(time.Second))
					writeErr <- nil
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					writeErr <- err
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					writeErr <- err
					return
				}
			}
		}
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	// reads only detect the peer going away
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	cancel()
	select {
	case <-writeErr:
	case <-time.After(500 * time.Millisecond):
	}
	l.Info("event subscriber disconnected", "subscriber", id.String())
}
