package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mesh-nms/pkg/model"
)

// MessageNetworkState is the only message type the stream sends.
const MessageNetworkState = "network_state"

// StreamMessage is the websocket envelope.
type StreamMessage struct {
	Type    string             `json:"type"`
	Network string             `json:"network"`
	Payload model.NetworkState `json:"payload"`
}

const writeWait = 10 * time.Second

type subscriber struct {
	network string
	mu      sync.Mutex
	conn    *websocket.Conn
}

func (s *subscriber) send(msg StreamMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

// StreamHub pushes every topology update to the websocket clients that
// asked for that network. A client with no ?network= gets all of them.
type StreamHub struct {
	upgrader    websocket.Upgrader
	backend     Backend
	unsubscribe func()

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewStreamHub subscribes to backend's topology updates. Call Close to
// detach and drop every client.
func NewStreamHub(backend Backend) *StreamHub {
	h := &StreamHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		backend: backend,
		subs:    map[*subscriber]struct{}{},
	}
	h.unsubscribe = backend.OnTopologyUpdate(h.fanout)
	return h
}

// HandleStream upgrades the request and sends the current state of the
// requested network before any update.
func (h *StreamHub) HandleStream(w http.ResponseWriter, r *http.Request) {
	network := r.URL.Query().Get("network")
	var initial *model.NetworkState
	if network != "" {
		st, err := h.backend.GetNetworkState(network)
		if err != nil {
			writeError(w, err)
			return
		}
		initial = &st
	}
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debugf("stream upgrade failed network=%q: %v", network, err)
		return
	}
	sub := &subscriber{network: network, conn: c}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	logger.Infof("stream subscriber connected network=%q from %s", network, r.RemoteAddr)
	if initial != nil {
		if err := sub.send(StreamMessage{Type: MessageNetworkState, Network: network, Payload: *initial}); err != nil {
			h.closeSub(sub)
			return
		}
	}
	go h.readLoop(sub)
}

// Subscribers is the number of connected clients.
func (h *StreamHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *StreamHub) fanout(st model.NetworkState) {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		if s.network == "" || s.network == st.Name {
			subs = append(subs, s)
		}
	}
	h.mu.RUnlock()
	msg := StreamMessage{Type: MessageNetworkState, Network: st.Name, Payload: st}
	for _, s := range subs {
		if err := s.send(msg); err != nil {
			go h.closeSub(s)
		}
	}
}

// readLoop discards client frames; it exists to notice disconnects.
func (h *StreamHub) readLoop(s *subscriber) {
	defer h.closeSub(s)
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *StreamHub) closeSub(s *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	_ = s.conn.Close()
	if ok {
		logger.Infof("stream subscriber disconnected network=%q", s.network)
	}
}

// Close detaches from the backend and disconnects every client.
func (h *StreamHub) Close() {
	h.unsubscribe()
	h.mu.Lock()
	subs := h.subs
	h.subs = map[*subscriber]struct{}{}
	h.mu.Unlock()
	for s := range subs {
		_ = s.conn.Close()
	}
}
