package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/randalmurphal/codexd/internal/events"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// WSMessage is a frame in either direction on the /ws socket.
type WSMessage struct {
	Type  string        `json:"type"` // subscribe, event
	JobID string        `json:"job_id,omitempty"`
	Event *events.Event `json:"event,omitempty"`
}

// WSHandler mirrors the SSE feed over WebSocket for clients that prefer
// a bidirectional transport.
type WSHandler struct {
	upgrader  websocket.Upgrader
	publisher events.Publisher
	logger    *slog.Logger
}

// NewWSHandler creates a WebSocket handler over the publisher.
func NewWSHandler(pub events.Publisher, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		publisher: pub,
		logger:    logger,
	}
}

// wsSession is one upgraded connection with its current subscription.
type wsSession struct {
	conn *websocket.Conn

	mu    sync.Mutex
	jobID string
	ch    <-chan events.Event
	swap  chan (<-chan events.Event)
	done  chan struct{}
	once  sync.Once
}

// ServeHTTP handles WebSocket upgrade requests. The connection starts
// subscribed to all jobs; a subscribe frame narrows it.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sess := &wsSession{
		conn:  conn,
		jobID: events.GlobalJobID,
		swap:  make(chan (<-chan events.Event), 1),
		done:  make(chan struct{}),
	}
	sess.ch = h.publisher.Subscribe(sess.jobID)

	go h.writePump(sess)
	h.readPump(sess)
}

// readPump consumes frames from the peer until the connection drops.
func (h *WSHandler) readPump(s *wsSession) {
	defer h.close(s)

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("websocket read error", "error", err)
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == "subscribe" {
			h.resubscribe(s, msg.JobID)
		}
	}
}

// resubscribe swaps the session's event channel for the requested job.
func (h *WSHandler) resubscribe(s *wsSession, jobID string) {
	if jobID == "" {
		jobID = events.GlobalJobID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if jobID == s.jobID {
		return
	}

	h.publisher.Unsubscribe(s.jobID, s.ch)
	s.jobID = jobID
	s.ch = h.publisher.Subscribe(jobID)
	select {
	case s.swap <- s.ch:
	default:
	}
}

// writePump forwards events to the peer and keeps the connection alive
// with pings.
func (h *WSHandler) writePump(s *wsSession) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	ch := s.ch
	for {
		select {
		case <-s.done:
			return
		case ch = <-s.swap:
		case event, ok := <-ch:
			if !ok {
				// Resubscription closed this channel; wait for the swap.
				select {
				case ch = <-s.swap:
					continue
				case <-s.done:
					return
				}
			}
			data, err := json.Marshal(WSMessage{Type: "event", Event: &event})
			if err != nil {
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close tears down the session once, whichever pump exits first.
func (h *WSHandler) close(s *wsSession) {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		h.publisher.Unsubscribe(s.jobID, s.ch)
		s.mu.Unlock()
		_ = s.conn.Close()
	})
}
