// Copyright 2026 The Nosdesk Authors
// SPDX-License-Identifier: Apache-2.0

package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kylephillipsau/nosdesk-collab/snapshot"
)

// writeTimeout bounds a single WebSocket write. A peer that cannot
// drain a frame within this is treated as gone.
const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Access control happens upstream of this engine; the upgrade
	// itself accepts any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla WebSocket connection to the session Conn
// interface. Only binary messages carry frames; other message types
// are skipped.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Manager admits WebSocket sessions. Required.
	Manager *Manager

	// Snapshots serves the read-only rendered and history endpoints.
	// Required.
	Snapshots snapshot.Store

	// Logger receives request-level errors. Required.
	Logger *slog.Logger
}

// Server exposes the engine over HTTP: a WebSocket endpoint speaking
// the frame protocol, plus read-only projections for non-realtime
// consumers such as listing pages and version-history browsers.
type Server struct {
	manager   *Manager
	snapshots snapshot.Store
	logger    *slog.Logger
	mux       *http.ServeMux
}

// NewServer creates the HTTP surface.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("server config: Manager is required")
	}
	if cfg.Snapshots == nil {
		return nil, fmt.Errorf("server config: Snapshots is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("server config: Logger is required")
	}
	server := &Server{
		manager:   cfg.Manager,
		snapshots: cfg.Snapshots,
		logger:    cfg.Logger,
		mux:       http.NewServeMux(),
	}
	server.mux.HandleFunc("GET /documents/{id}/sync", server.handleSync)
	server.mux.HandleFunc("GET /documents/{id}/rendered", server.handleRendered)
	server.mux.HandleFunc("GET /documents/{id}/history", server.handleHistory)
	return server, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleSync upgrades the connection and hands it to the session
// manager. One connection serves exactly one document.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("id")
	if docID == "" {
		http.Error(w, "missing document id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		s.logger.Warn("websocket upgrade failed",
			"doc_id", docID,
			"error", err)
		return
	}

	sessionID, err := s.manager.Open(r.Context(), docID, &wsConn{conn: conn})
	if err != nil {
		status := websocket.CloseInternalServerErr
		if errors.Is(err, ErrCapacity) {
			status = websocket.CloseTryAgainLater
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(status, "session rejected"),
			time.Now().Add(writeTimeout))
		conn.Close()
		s.logger.Warn("session rejected",
			"doc_id", docID,
			"error", err)
		return
	}
	s.logger.Debug("websocket session established",
		"doc_id", docID,
		"session_id", sessionID)
}

// handleRendered serves the latest rendered projection of a document.
func (s *Server) handleRendered(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("id")
	rendered, err := s.snapshots.LatestRendered(r.Context(), docID)
	if err != nil {
		if errors.Is(err, snapshot.ErrNoSnapshot) {
			http.Error(w, "no rendered snapshot", http.StatusNotFound)
			return
		}
		s.logger.Error("failed to load rendered projection",
			"doc_id", docID,
			"error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, rendered)
}

// historyEntry is the JSON projection of one snapshot version.
type historyEntry struct {
	Sequence    int64     `json:"sequence"`
	CreatedAt   time.Time `json:"created_at"`
	StateSize   int       `json:"state_size"`
	HasRendered bool      `json:"has_rendered"`
}

// handleHistory lists a document's snapshot versions, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("id")
	versions, err := s.snapshots.History(r.Context(), docID, 0)
	if err != nil {
		s.logger.Error("failed to load snapshot history",
			"doc_id", docID,
			"error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	entries := make([]historyEntry, len(versions))
	for i, version := range versions {
		entries[i] = historyEntry{
			Sequence:    version.Sequence,
			CreatedAt:   version.CreatedAt,
			StateSize:   version.StateSize,
			HasRendered: version.HasRendered,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		s.logger.Error("failed to encode history response",
			"doc_id", docID,
			"error", err)
	}
}
