package wall

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	readLimit    = 512
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Handler upgrades browser connections and wires them into a Hub.
// Expected URL format: /ws/detections/{source_id}, where source_id is
// either an integer or the literal "all".
type Handler struct {
	hub *Hub
	log *zap.Logger
}

// NewHandler constructs a Handler serving hub's fan-out.
func NewHandler(hub *Hub, log *zap.Logger) *Handler {
	return &Handler{hub: hub, log: log}
}

// ServeHTTP handles websocket upgrade requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/ws/detections/")
	segment := strings.TrimSuffix(path, "/")
	if segment == "" {
		http.Error(w, "source_id required", http.StatusBadRequest)
		return
	}

	sourceID := allSources
	if segment != "all" {
		id, err := strconv.Atoi(segment)
		if err != nil {
			http.Error(w, `source_id must be an integer or "all"`, http.StatusBadRequest)
			return
		}
		sourceID = id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.log.Info("videowall client connected", zap.Int("source_id", sourceID), zap.String("remote_addr", r.RemoteAddr))
	h.hub.Register(sourceID, conn)

	go h.readPump(sourceID, conn)
}

// readPump keeps the connection alive and detects client disconnection;
// browser clients never send application messages on this socket.
func (h *Handler) readPump(sourceID int, conn *websocket.Conn) {
	defer func() {
		h.hub.Unregister(sourceID, conn)
		conn.Close()
	}()

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read error", zap.Int("source_id", sourceID), zap.Error(err))
			}
			return
		}
	}
}
