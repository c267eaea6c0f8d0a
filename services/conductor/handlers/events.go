// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

const (
	eventWriteTimeout = 10 * time.Second
	eventPingInterval = 30 * time.Second
)

// Events upgrades to a WebSocket and streams the task's activity
// entries. The connection first replays archived history (?replay=K,
// 0 to skip) so reconnecting observers catch up, then delivers live
// entries until the room closes or the client disconnects.
func (a *API) Events(c *gin.Context) {
	taskID := c.Param("id")

	replay := 50
	if raw := c.Query("replay"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "replay must be a non-negative integer"})
			return
		}
		replay = n
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "task_id", taskID, "error", err.Error())
		return
	}
	defer ws.Close()

	// Subscribe before replaying so nothing published in between is lost;
	// duplicates across the seam are possible and clients dedupe by id.
	entries, cancel := a.bus.Subscribe(taskID)
	defer cancel()

	if replay > 0 {
		history, err := a.archive.History(c.Request.Context(), taskID, replay)
		if err == nil {
			for _, entry := range history {
				ws.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
				if err := ws.WriteJSON(entry); err != nil {
					return
				}
			}
		}
	}

	// Reader goroutine: its only job is noticing the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				// Room closed: task reached a terminal state.
				ws.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
				ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := ws.WriteJSON(entry); err != nil {
				return
			}
		case <-ping.C:
			ws.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
