package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"hedgeflow/internal/metrics"
	"hedgeflow/logger"
)

const (
	streamBuffer     = 64
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 50 * time.Second
)

type streamEvent struct {
	Timestamp string        `json:"timestamp"`
	Component string        `json:"component"`
	Name      string        `json:"name"`
	Value     interface{}   `json:"value"`
	Fields    logger.Fields `json:"fields,omitempty"`
}

func toStreamEvent(m metrics.Metric) streamEvent {
	return streamEvent{
		Timestamp: m.Timestamp.Format(time.RFC3339Nano),
		Component: m.Component,
		Name:      m.Name,
		Value:     m.Value,
		Fields:    m.Fields,
	}
}

// hub fans metric events out to websocket subscribers. A slow subscriber
// loses events instead of blocking the emitter.
type hub struct {
	mu      sync.Mutex
	subs    map[chan streamEvent]struct{}
	dropped uint64
}

func newHub() *hub {
	return &hub{subs: make(map[chan streamEvent]struct{})}
}

func (h *hub) subscribe() chan streamEvent {
	ch := make(chan streamEvent, streamBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *hub) unsubscribe(ch chan streamEvent) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *hub) publish(m metrics.Metric) {
	ev := toStreamEvent(m)
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped++
		}
	}
}

func (h *hub) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// serveStream pushes every metric event to the client as a JSON text frame
// until either side closes.
func (s *Server) serveStream(c *gin.Context) {
	log := s.log.WithComponent("api_stream")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events := s.stream.subscribe()
	defer s.stream.unsubscribe(events)

	log.WithFields(logger.Fields{"remote": conn.RemoteAddr().String()}).Info("stream client connected")

	// Reads only serve control frames; a read error means the client left.
	done := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			log.Debug("stream client disconnected")
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(streamWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.WithError(err).Debug("stream write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
