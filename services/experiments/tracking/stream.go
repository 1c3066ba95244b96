// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tracking

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/assignment"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

const (
	writeWait       = 5 * time.Second
	subscriberQueue = 64
)

type subscriber struct {
	id         string
	experiment string
	send       chan []byte
}

// Hub streams tracked assignments to websocket subscribers. A subscriber
// may pass ?experiment=<key> to receive one experiment only. Slow
// subscribers miss messages rather than blocking the others.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{subs: make(map[*subscriber]struct{}), logger: logger}
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Record implements Sink.
func (h *Hub) Record(_ context.Context, a assignment.Assignment) error {
	msg, err := json.Marshal(a)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.experiment != "" && s.experiment != a.ExperimentKey {
			continue
		}
		select {
		case s.send <- msg:
		default:
			h.logger.Debug("websocket subscriber too slow, dropping message",
				slog.String("subscriber", s.id))
		}
	}
	return nil
}

// ServeHTTP upgrades the connection and streams until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade the websocket", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	s := &subscriber{
		id:         uuid.NewString(),
		experiment: r.URL.Query().Get("experiment"),
		send:       make(chan []byte, subscriberQueue),
	}
	if err := ws.WriteJSON(map[string]any{"action": "subscribed", "subscriber": s.id, "experiment": s.experiment}); err != nil {
		return
	}
	h.add(s)
	defer h.remove(s)
	h.logger.Info("websocket subscriber connected", slog.String("subscriber", s.id))

	// The read loop only watches for the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			h.logger.Info("websocket subscriber disconnected", slog.String("subscriber", s.id))
			return
		case <-r.Context().Done():
			return
		case msg := <-s.send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Warn("failed to write websocket message", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[s] = struct{}{}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
}
