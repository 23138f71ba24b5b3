// Package wall implements the VideoWall viewer's bus-facing half: an MQTT
// subscriber that fans out decoded detection and status events to browser
// websocket clients, keyed by source_id rather than the teacher's
// camera_id. Grounded on the teacher's internal/ws/detection_hub.go (a
// per-camera client registry broadcasting pre-marshaled JSON with write
// deadlines) and internal/ws/message.go (typed broadcast payloads),
// rewritten from a local-event-bus subscriber to an MQTT-topic subscriber
// since the teacher's hub sits downstream of an in-process EventBus, not a
// bus broker.
package wall

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// writeDeadline bounds how long a single client write may block, per the
// teacher's BroadcastToCamera (conn.SetWriteDeadline(10 * time.Second)).
const writeDeadline = 10 * time.Second

// allSources is the pseudo source_id a client requests (via the "all" path
// segment) to receive every source's detection broadcasts plus every
// instance's status broadcasts.
const allSources = -1

// Hub manages websocket connections for real-time fan-out, keyed by
// source_id. A connection registered under allSources receives every
// source's detections and every status update.
type Hub struct {
	mu      sync.RWMutex
	clients map[int]map[*websocket.Conn]bool

	log *zap.Logger
}

// NewHub constructs an empty Hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[int]map[*websocket.Conn]bool),
		log:     log,
	}
}

// Register adds conn as a subscriber of sourceID (allSources for every
// source).
func (h *Hub) Register(sourceID int, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[sourceID] == nil {
		h.clients[sourceID] = make(map[*websocket.Conn]bool)
	}
	h.clients[sourceID][conn] = true
}

// Unregister removes conn from sourceID's registry.
func (h *Hub) Unregister(sourceID int, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[sourceID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, sourceID)
		}
	}
}

// ClientCount returns the total number of connected clients across every
// source registry, including allSources.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

// BroadcastDetection fans an already-marshaled detection payload (the
// Bridge sends a detectionEnvelope) out to clients subscribed to sourceID
// plus every allSources client.
func (h *Hub) BroadcastDetection(sourceID int, payload []byte) {
	h.mu.RLock()
	targets := h.targetsLocked(sourceID)
	h.mu.RUnlock()
	h.send(sourceID, targets, payload)
}

// BroadcastStatus fans an already-marshaled status payload (the Bridge
// sends a statusEnvelope) out to every allSources client; status updates
// are instance-wide, not per-source.
func (h *Hub) BroadcastStatus(payload []byte) {
	h.mu.RLock()
	targets := h.targetsLocked(allSources)
	h.mu.RUnlock()
	h.send(allSources, targets, payload)
}

// targetsLocked must be called with h.mu held for reading.
func (h *Hub) targetsLocked(sourceID int) []*websocket.Conn {
	conns := h.clients[sourceID]
	extra := 0
	if sourceID != allSources {
		extra = len(h.clients[allSources])
	}
	targets := make([]*websocket.Conn, 0, len(conns)+extra)
	for conn := range conns {
		targets = append(targets, conn)
	}
	if sourceID != allSources {
		for conn := range h.clients[allSources] {
			targets = append(targets, conn)
		}
	}
	return targets
}

func (h *Hub) send(sourceID int, targets []*websocket.Conn, payload []byte) {
	for _, conn := range targets {
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.log.Warn("websocket write failed, dropping client",
				zap.Int("source_id", sourceID), zap.Error(err))
			h.Unregister(sourceID, conn)
			conn.Close()
		}
	}
}
