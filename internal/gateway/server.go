// Package gateway serves the admin HTTP API and the WebSocket event stream.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftlab/chatrelay/internal/broadcast"
	"github.com/driftlab/chatrelay/internal/bus"
	"github.com/driftlab/chatrelay/internal/config"
	"github.com/driftlab/chatrelay/internal/pipeline"
	"github.com/driftlab/chatrelay/internal/quota"
	"github.com/driftlab/chatrelay/internal/scheduler"
	"github.com/driftlab/chatrelay/internal/store"
	"github.com/driftlab/chatrelay/pkg/protocol"
)

// Server is the gateway serving WebSocket and HTTP connections.
type Server struct {
	cfg      *config.Config
	pipe     *pipeline.Pipeline
	sched    *scheduler.Scheduler
	channels store.ChannelStore
	messages store.MessageStore
	boosts   *quota.DailyBoost
	msgCast  *broadcast.Broadcaster[bus.ChatMessage]
	chanCast *broadcast.Broadcaster[bus.ChannelEvent]

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter
	clients     map[string]*Client
	mu          sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires the gateway over the pipeline and its collaborators.
func NewServer(cfg *config.Config, pipe *pipeline.Pipeline, sched *scheduler.Scheduler,
	st *store.Stores, boosts *quota.DailyBoost,
	msgCast *broadcast.Broadcaster[bus.ChatMessage],
	chanCast *broadcast.Broadcaster[bus.ChannelEvent],
) *Server {
	s := &Server{
		cfg:      cfg,
		pipe:     pipe,
		sched:    sched,
		channels: st.Channels,
		messages: st.Messages,
		boosts:   boosts,
		msgCast:  msgCast,
		chanCast: chanCast,
		clients:  make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.rateLimiter = NewRateLimiter(cfg.Gateway.RateLimitRPM, 5)
	return s
}

// checkOrigin validates the WebSocket Origin header against the allowed
// origins whitelist. No configured origins, or an empty header (non-browser
// clients), allows the connection.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// authorize enforces the bearer token when one is configured.
func (s *Server) authorize(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Gateway.Token
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		if !s.rateLimiter.Allow(clientKey(r)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			return
		}
		next(w, r)
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("GET /v1/channels", s.authorize(s.handleChannelList))
	mux.HandleFunc("GET /v1/channels/{chatKey}", s.authorize(s.handleChannelGet))
	mux.HandleFunc("POST /v1/channels/{chatKey}/active", s.authorize(s.handleChannelActive))
	mux.HandleFunc("POST /v1/channels/{chatKey}/reset", s.authorize(s.handleChannelReset))
	mux.HandleFunc("POST /v1/channels/{chatKey}/cancel", s.authorize(s.handleChannelCancel))
	mux.HandleFunc("GET /v1/channels/{chatKey}/messages", s.authorize(s.handleMessageList))
	mux.HandleFunc("POST /v1/channels/{chatKey}/messages", s.authorize(s.handleMessagePush))
	mux.HandleFunc("GET /v1/channels/{chatKey}/quota", s.authorize(s.handleQuotaGet))
	mux.HandleFunc("POST /v1/channels/{chatKey}/quota", s.authorize(s.handleQuotaSet))

	s.mux = mux
	return mux
}

// Start begins listening and blocks until ctx is done or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		s.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, nil))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket upgrades the connection and streams events until the
// client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := s.cfg.Gateway.Token
	if token != "" && r.Header.Get("Authorization") != "Bearer "+token &&
		r.URL.Query().Get("token") != token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s.cfg.Gateway.EventBuffer)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context(), s.msgCast, s.chanCast, r.URL.Query().Get("chat_key"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	slog.Info("client disconnected", "id", c.id)
}

// BroadcastEvent pushes an event frame to every connected client.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(event)
	}
}

// StartTestServer listens on a random local port and returns the address and
// a start function. Used by integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}
	return addr, start
}
