//nolint:revive // api is a standard package name for API servers
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jwoglom/hwmanager/pkg/config"
	"github.com/jwoglom/hwmanager/pkg/events"
	"github.com/jwoglom/hwmanager/pkg/firmware"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const writeTimeout = 5 * time.Second

// Server provides a WebSocket API for monitoring device traffic and an HTTP
// API for reading and overriding settings
type Server struct {
	env *config.Env
	bus *events.Bus

	mtx   sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// Message is sent to websocket clients
type Message struct {
	Type     string             `json:"type"`
	Trace    *events.Trace      `json:"trace,omitempty"`
	Message  string             `json:"message,omitempty"`
	Progress *firmware.Progress `json:"progress,omitempty"`
	Env      map[string]string  `json:"env,omitempty"`
}

// Message types
const (
	MessageTrace    = "trace"
	MessageWarning  = "warning"
	MessageProgress = "progress"
	MessageEnv      = "env"
	MessageError    = "error"
)

// New creates a new API server
func New(env *config.Env, bus *events.Bus) *Server {
	return &Server{
		env:   env,
		bus:   bus,
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Start forwards bus events and serves HTTP on addr until ctx is done
func (s *Server) Start(ctx context.Context, addr string) error {
	s.Forward(ctx)

	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		if err := srv.Close(); err != nil {
			log.Debugf("Error closing monitor server: %v", err)
		}
	}()

	log.Infof("Monitor API listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("monitor server failed: %w", err)
	}
	return nil
}

// Forward subscribes to the bus and relays traces and warnings to websocket
// clients until ctx is done. The subscription is in place when it returns.
func (s *Server) Forward(ctx context.Context) {
	traces, stopTraces := s.bus.SubscribeTraces()
	warnings, stopWarnings := s.bus.SubscribeWarnings()

	go func() {
		defer stopTraces()
		defer stopWarnings()
		for {
			select {
			case t := <-traces:
				trace := t
				s.Broadcast(Message{Type: MessageTrace, Trace: &trace})
			case w := <-warnings:
				s.Broadcast(Message{Type: MessageWarning, Message: w})
			case <-ctx.Done():
				return
			}
		}
	}()
}

// SendProgress sends firmware update progress to websocket clients
func (s *Server) SendProgress(p firmware.Progress) {
	s.Broadcast(Message{Type: MessageProgress, Progress: &p})
}

// Broadcast sends a message to every connected websocket client
func (s *Server) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("Failed to marshal message: %v", err)
		return
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	for conn := range s.conns {
		s.write(conn, data)
	}
}

// Handler returns the HTTP routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if _, err := fmt.Fprintf(w, "Device monitor API - Connect via WebSocket at /ws\n\nSettings API:\n  GET    /api/env\n  PUT    /api/env\n"); err != nil {
			log.Warnf("Failed to write response: %v", err)
		}
	})
	mux.HandleFunc("/ws", s.handleWebsocket)
	mux.HandleFunc("/api/env", s.handleEnvAPI)
	return mux
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	log.Infof("WebSocket connection from: %s", r.RemoteAddr)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	s.mtx.Lock()
	s.conns[ws] = struct{}{}
	s.mtx.Unlock()

	s.sendEnv(ws)
	s.reader(ws)
}

func (s *Server) sendEnv(conn *websocket.Conn) {
	data, err := json.Marshal(Message{Type: MessageEnv, Env: s.env.All()})
	if err != nil {
		log.Errorf("Failed to marshal env: %v", err)
		return
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.write(conn, data)
}

func (s *Server) sendError(conn *websocket.Conn, message string) {
	data, err := json.Marshal(Message{Type: MessageError, Message: message})
	if err != nil {
		return
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.write(conn, data)
}

// write must be called with s.mtx held
func (s *Server) write(conn *websocket.Conn, data []byte) {
	if _, ok := s.conns[conn]; !ok {
		return
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		log.Debugf("Failed to set write deadline: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Errorf("Failed to send websocket message: %v", err)
	}
}

func (s *Server) reader(conn *websocket.Conn) {
	defer func() {
		s.mtx.Lock()
		delete(s.conns, conn)
		s.mtx.Unlock()
		if err := conn.Close(); err != nil {
			log.Debugf("Error closing websocket: %v", err)
		}
	}()

	for {
		_, p, err := conn.ReadMessage()
		if err != nil {
			log.Infof("WebSocket read error: %v", err)
			return
		}
		log.Debugf("Received WebSocket message: %s", string(p))
		s.handleCommand(conn, p)
	}
}

type command struct {
	Command string            `json:"command"`
	Params  map[string]string `json:"params"`
}

func (s *Server) handleCommand(conn *websocket.Conn, data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Errorf("Failed to parse command: %v", err)
		s.sendError(conn, "invalid command")
		return
	}

	switch cmd.Command {
	case "getEnv":
		s.sendEnv(conn)
	case "setEnv":
		if err := s.env.Apply(cmd.Params); err != nil {
			s.sendError(conn, err.Error())
			return
		}
		s.sendEnv(conn)
	default:
		log.Warnf("Unknown command: %s", cmd.Command)
		s.sendError(conn, fmt.Sprintf("unknown command: %s", cmd.Command))
	}
}

// handleEnvAPI handles the settings API
func (s *Server) handleEnvAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
		// GET /api/env - list all settings
		s.writeJSON(w, s.env.All())

	case http.MethodPut:
		// PUT /api/env - override one or more settings
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to read request body: %v", err), http.StatusBadRequest)
			return
		}
		defer func() {
			if err := r.Body.Close(); err != nil {
				log.Debugf("Error closing request body: %v", err)
			}
		}()

		var values map[string]string
		if err := json.Unmarshal(body, &values); err != nil {
			http.Error(w, fmt.Sprintf("Failed to parse settings: %v", err), http.StatusBadRequest)
			return
		}
		if err := s.env.Apply(values); err != nil {
			http.Error(w, fmt.Sprintf("Failed to apply settings: %v", err), http.StatusBadRequest)
			return
		}

		log.Infof("Settings updated: %v", values)
		s.Broadcast(Message{Type: MessageEnv, Env: s.env.All()})
		s.writeJSON(w, s.env.All())

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Failed to encode response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
