package wall

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func dialHub(t *testing.T, hub *Hub, sourceID int) (*websocket.Conn, func()) {
	t.Helper()
	server := httptest.NewServer(NewHandler(hub, zap.NewNop()))

	path := "/ws/detections/all"
	if sourceID != allSources {
		path = "/ws/detections/0"
	}

	url := "ws" + server.URL[len("http"):] + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		server.Close()
	}
}

func TestHubBroadcastDetectionReachesMatchingSource(t *testing.T) {
	hub := NewHub(zap.NewNop())
	conn, cleanup := dialHub(t, hub, 0)
	defer cleanup()

	waitForClientCount(t, hub, 1)

	hub.BroadcastDetection(0, []byte(`{"type":"detection"}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(data) != `{"type":"detection"}` {
		t.Errorf("received %q, want the broadcast payload unchanged", data)
	}
}

func TestHubBroadcastDetectionSkipsOtherSources(t *testing.T) {
	hub := NewHub(zap.NewNop())
	conn, cleanup := dialHub(t, hub, 0)
	defer cleanup()
	waitForClientCount(t, hub, 1)

	hub.BroadcastDetection(99, []byte(`{"type":"detection"}`))

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("client subscribed to source 0 received a broadcast for source 99")
	}
}

func TestHubAllSourcesClientReceivesEverySource(t *testing.T) {
	hub := NewHub(zap.NewNop())
	conn, cleanup := dialHub(t, hub, allSources)
	defer cleanup()
	waitForClientCount(t, hub, 1)

	hub.BroadcastDetection(5, []byte(`{"source":5}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("an \"all\" client should receive every source's broadcast: %v", err)
	}
}

func waitForClientCount(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("ClientCount() never reached %d", want)
}
