package wall

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"nvrproc/internal/events"
)

// Options configures a Server.
type Options struct {
	BridgeOptions
	HTTPAddr string
	Topics   Topics
}

// Topics is an alias kept local to wall so callers don't need to import
// events just to build the option struct; Server converts it internally.
type Topics = events.Topics

// Server wires a Bridge (bus subscriber) to a Hub (websocket fan-out) and
// serves the upgrade endpoint over HTTP, the VideoWall viewer's equivalent
// of the teacher's wsHub-plus-generated-HTTP-mux wiring in cmd/orbo/main.go.
type Server struct {
	bridge *Bridge
	hub    *Hub
	addr   string
	log    *zap.Logger
	srv    *http.Server
}

// NewServer constructs a Server from an already-built mqttClient (real or
// fake, for tests).
func NewServer(client mqttClient, opts Options, log *zap.Logger) *Server {
	hub := NewHub(log)
	bridge := NewBridge(client, opts.Topics, hub, log)
	mux := http.NewServeMux()
	mux.Handle("/ws/detections/", NewHandler(hub, log))

	return &Server{
		bridge: bridge,
		hub:    hub,
		addr:   opts.HTTPAddr,
		log:    log,
		srv:    &http.Server{Addr: opts.HTTPAddr, Handler: mux},
	}
}

// ClientCount reports the number of connected websocket clients.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

// Run connects the bridge, serves HTTP until ctx is cancelled, then
// disconnects the bridge.
func (s *Server) Run(ctx context.Context) error {
	if err := s.bridge.Connect(); err != nil {
		return fmt.Errorf("wall: connect bridge: %w", err)
	}
	defer s.bridge.Disconnect()

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	s.log.Info("videowall http server listening", zap.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("videowall http server shutdown reported an error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}
