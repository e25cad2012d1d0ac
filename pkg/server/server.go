package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/colinrozzi/chat-state/pkg/config"
	"github.com/colinrozzi/chat-state/pkg/controller"
)

// Server exposes the conversation protocol over HTTP: one RPC endpoint per
// conversation plus a websocket feed of its events. Protocol-level failures
// ride inside the JSON envelope with status 200; plain http errors mean the
// transport itself was misused.
type Server struct {
	settings config.ServerSettings
	registry *Registry
	httpSrv  *http.Server
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func New(settings config.ServerSettings, registry *Registry) (*Server, error) {
	if registry == nil {
		return nil, errors.New("server: nil registry")
	}
	if settings.MaxBodyBytes <= 0 {
		settings.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		settings: settings,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The service fronts trusted UIs through a proxy; origin policy
			// belongs there.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.With().Str("component", "server").Logger(),
	}
	s.httpSrv = &http.Server{
		Addr:              settings.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler builds the route table. Exposed so tests can drive the server
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/conversations", s.handleCreate)
	mux.HandleFunc("POST /api/conversations/{id}/rpc", s.handleRPC)
	mux.HandleFunc("GET /api/conversations/{id}/ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleCreate spawns a conversation. The body is a new_conversation request;
// when it names no conversation_id the server picks one.
func (s *Server) handleCreate(w http.ResponseWriter, req *http.Request) {
	body, err := s.readBody(w, req)
	if err != nil {
		return
	}
	if len(body) == 0 {
		body = []byte(`{"type":"new_conversation"}`)
	}

	var probe struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	convID := strings.TrimSpace(probe.ConversationID)
	if convID == "" {
		convID = uuid.NewString()
		patched, err := withConversationID(body, convID)
		if err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		body = patched
	}

	ctrl, err := s.registry.Controller(req.Context(), convID)
	if err != nil {
		s.logger.Error().Err(err).Str("conv_id", convID).Msg("create conversation failed")
		http.Error(w, "conversation unavailable", http.StatusInternalServerError)
		return
	}
	s.writeEnvelope(w, ctrl.Handle(req.Context(), body))
}

func (s *Server) handleRPC(w http.ResponseWriter, req *http.Request) {
	convID := req.PathValue("id")
	body, err := s.readBody(w, req)
	if err != nil {
		return
	}
	ctrl, err := s.registry.Controller(req.Context(), convID)
	if err != nil {
		s.logger.Error().Err(err).Str("conv_id", convID).Msg("resolve conversation failed")
		http.Error(w, "conversation unavailable", http.StatusInternalServerError)
		return
	}

	out := ctrl.Handle(req.Context(), body)
	if ctrl.Phase() == controller.PhaseTerminated {
		s.registry.Release(convID)
	}
	s.writeEnvelope(w, out)
}

func (s *Server) handleWS(w http.ResponseWriter, req *http.Request) {
	convID := req.PathValue("id")
	pool, err := s.registry.Pool(req.Context(), convID)
	if err != nil {
		s.logger.Error().Err(err).Str("conv_id", convID).Msg("resolve conversation failed")
		http.Error(w, "conversation unavailable", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	pool.Add(conn)

	// Clients only listen on this socket. The read loop exists to notice
	// disconnects and answer pings.
	go func() {
		defer pool.Remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) readBody(w http.ResponseWriter, req *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, s.settings.MaxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large or unreadable", http.StatusRequestEntityTooLarge)
		return nil, err
	}
	return body, nil
}

func (s *Server) writeEnvelope(w http.ResponseWriter, out []byte) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(out); err != nil {
		s.logger.Debug().Err(err).Msg("response write failed")
	}
}

// Run serves until the context ends or an interrupt arrives, then shuts the
// listener and every conversation down cleanly.
func (s *Server) Run(ctx context.Context) error {
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			s.logger.Info().Msg("received interrupt signal, shutting down")
		case <-srvCtx.Done():
		}
		srvCancel()

		timeout := time.Duration(s.settings.ShutdownTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("http shutdown error")
		}
		s.registry.Shutdown(shutdownCtx)
		s.logger.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("starting chat-state server")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server: listen")
		}
		return nil
	})

	return eg.Wait()
}

// withConversationID injects the generated id into a new_conversation body.
func withConversationID(body []byte, convID string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	idJSON, err := json.Marshal(convID)
	if err != nil {
		return nil, err
	}
	fields["conversation_id"] = idJSON
	return json.Marshal(fields)
}
