// Package server exposes the service over HTTP: the /ws WebSocket endpoint
// that streams PCM audio in and recognition results out, plus health, info,
// and Prometheus metrics endpoints.
//
// Each accepted connection is bound to one model (chosen via the ?model=
// query parameter, defaulting to the configured default model) and gets its
// own orchestrator Session, owned by the connection's read loop. The number
// of simultaneous connections is capped; excess connections receive a
// connection_rejected message and are closed.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/maozhuey/speech-to-text-service/internal/config"
	"github.com/maozhuey/speech-to-text-service/internal/modelcache"
	"github.com/maozhuey/speech-to-text-service/internal/observe"
	"github.com/maozhuey/speech-to-text-service/internal/orchestrator"
)

const (
	serviceName = "speech-to-text"

	// Version is reported by the health and info endpoints.
	Version = "1.0.0"

	// writeTimeout bounds a single outbound WebSocket write.
	writeTimeout = 10 * time.Second
)

// Server handles WebSocket audio streams and the HTTP API.
type Server struct {
	cfg     *config.Config
	orch    *orchestrator.Orchestrator
	cache   *modelcache.Manager
	metrics *observe.Metrics

	mu     sync.Mutex
	active int

	seq     atomic.Uint64
	closing chan struct{}
}

// New creates a Server. metrics may be nil, in which case the HTTP middleware
// is skipped.
func New(cfg *config.Config, orch *orchestrator.Orchestrator, cache *modelcache.Manager, metrics *observe.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		orch:    orch,
		cache:   cache,
		metrics: metrics,
		closing: make(chan struct{}),
	}
}

// Close asks all open WebSocket connections to shut down. Safe to call once;
// typically invoked during graceful shutdown after the HTTP listener stops
// accepting, since hijacked connections outlive http.Server.Shutdown.
func (s *Server) Close() {
	select {
	case <-s.closing:
	default:
		close(s.closing)
	}
}

// ActiveConnections returns the number of currently admitted WebSocket
// connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// tryAcquireSlot claims a connection slot, returning false when the
// configured maximum is reached.
func (s *Server) tryAcquireSlot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active >= s.cfg.Server.MaxConnections {
		return false
	}
	s.active++
	return true
}

func (s *Server) releaseSlot() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
}

// newSessionID produces a unique identifier for one connection.
func (s *Server) newSessionID() string {
	return fmt.Sprintf("session_%d_%d", time.Now().UnixMilli(), s.seq.Add(1))
}

// handleWS upgrades the request and runs the connection's read loop until
// the client disconnects or the server shuts down.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	client := &wsClient{conn: conn}

	modelID := r.URL.Query().Get("model")
	if modelID == "" {
		modelID = s.cfg.Models.Default
	}
	if m, ok := s.cfg.ModelByID(modelID); !ok || !m.IsEnabled() {
		client.write(connectionRejected{
			Type:    msgTypeConnectionRejected,
			Message: fmt.Sprintf("unknown or disabled model %q", modelID),
		})
		conn.Close(websocket.StatusPolicyViolation, "unknown model")
		return
	}

	if !s.tryAcquireSlot() {
		client.write(connectionRejected{
			Type:    msgTypeConnectionRejected,
			Message: fmt.Sprintf("maximum connections reached (%d)", s.cfg.Server.MaxConnections),
		})
		conn.Close(websocket.StatusTryAgainLater, "connection limit")
		return
	}
	defer s.releaseSlot()

	sessionID := s.newSessionID()
	if err := client.write(connectionEstablished{
		Type:      msgTypeConnectionEstablished,
		SessionID: sessionID,
		Model:     modelID,
		Message:   "connected",
	}); err != nil {
		slog.Warn("websocket handshake write failed", "session_id", sessionID, "err", err)
		return
	}

	slog.Info("connection established",
		"session_id", sessionID, "model", modelID,
		"remote", r.RemoteAddr, "active", s.ActiveConnections())

	s.serveConn(r.Context(), conn, client, sessionID, modelID)
}

// serveConn owns the session for one connection: binary frames feed the
// pipeline, everything else is ignored.
func (s *Server) serveConn(parent context.Context, conn *websocket.Conn, client *wsClient, sessionID, modelID string) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	sess := s.orch.NewSession(sessionID, modelID, client)
	defer sess.Close()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				slog.Info("connection closed", "session_id", sessionID, "status", status)
			} else {
				slog.Warn("connection read failed", "session_id", sessionID, "err", err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			// Only raw PCM frames are meaningful; text frames are ignored.
			continue
		}
		sess.ProcessChunk(ctx, data)
	}
}

// wsClient serializes JSON writes to one WebSocket connection. It implements
// orchestrator.Sink, so recognition goroutines deliver outcomes directly to
// the client.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("server: marshal message: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// OnSegmentResult implements orchestrator.Sink.
func (c *wsClient) OnSegmentResult(sessionID string, res orchestrator.Result) {
	msg := recognitionResult{
		Type:       msgTypeRecognitionResult,
		Text:       res.Text,
		IsFinal:    true,
		Confidence: res.Confidence,
		Model:      res.ModelID,
		Reason:     res.Reason.String(),
		DurationMs: res.Duration.Milliseconds(),
	}
	for _, w := range res.Words {
		msg.Words = append(msg.Words, wordTiming{
			Word:       w.Word,
			Start:      w.Start.Seconds(),
			End:        w.End.Seconds(),
			Confidence: w.Confidence,
		})
	}
	if err := c.write(msg); err != nil {
		slog.Warn("result delivery failed", "session_id", sessionID, "err", err)
	}
}

// OnSegmentError implements orchestrator.Sink.
func (c *wsClient) OnSegmentError(sessionID string, segErr error) {
	if err := c.write(errorMessage{
		Type:    msgTypeError,
		Message: segErr.Error(),
	}); err != nil {
		slog.Warn("error delivery failed", "session_id", sessionID, "err", err)
	}
}

var _ orchestrator.Sink = (*wsClient)(nil)
