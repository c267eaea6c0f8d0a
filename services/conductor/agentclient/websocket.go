// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianForge/pkg/logging"
)

// wireRequest is a command sent to the agent service.
type wireRequest struct {
	ID        string          `json:"id"`
	Op        string          `json:"op"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// wireMessage is anything arriving from the agent service: a command
// response (correlated by id) or a streamed event.
type wireMessage struct {
	ID        string          `json:"id,omitempty"`
	Kind      string          `json:"kind"` // "response" | "event"
	OK        bool            `json:"ok,omitempty"`
	Error     string          `json:"error,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Event     *Event          `json:"event,omitempty"`
	Usage     *wireUsage      `json:"usage,omitempty"`
}

type wireUsage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	FinalOutput  string  `json:"final_output"`
}

// wireEventIdle marks the end of one prompt/respond exchange.
const wireEventIdle = "session.idle"

// WSClient drives the agent service over a single websocket. One read
// pump fans responses to waiting callers and events to per-session
// subscribers.
//
// Thread Safety: safe for concurrent use.
type WSClient struct {
	url         string
	header      http.Header
	idleDefault time.Duration
	logger      *logging.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[string]chan wireMessage
	sessions map[string]chan wireMessage
	closed   bool
}

// WSOption configures a WSClient.
type WSOption func(*WSClient)

// WithBearerToken attaches an Authorization header to the dial.
func WithBearerToken(token string) WSOption {
	return func(c *WSClient) {
		c.header.Set("Authorization", "Bearer "+token)
	}
}

// WithDefaultIdleTimeout overrides the 30-minute idle safety net.
func WithDefaultIdleTimeout(d time.Duration) WSOption {
	return func(c *WSClient) {
		if d > 0 {
			c.idleDefault = d
		}
	}
}

// NewWSClient builds a client for the agent service at url
// (ws:// or wss://).
func NewWSClient(url string, logger *logging.Logger, opts ...WSOption) *WSClient {
	c := &WSClient{
		url:         url,
		header:      http.Header{},
		idleDefault: 30 * time.Minute,
		logger:      logger,
		pending:     make(map[string]chan wireMessage),
		sessions:    make(map[string]chan wireMessage),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial agent service %s (status %d): %w", c.url, resp.StatusCode, err)
		}
		return fmt.Errorf("dial agent service %s: %w", c.url, err)
	}
	c.conn = conn
	c.closed = false
	go c.readPump(conn)
	return nil
}

func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// readPump fans inbound messages to their consumers until the
// connection dies.
func (c *WSClient) readPump(conn *websocket.Conn) {
	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			closed := c.closed
			if c.conn == conn {
				c.conn = nil
			}
			// Fail every waiter so nothing blocks forever.
			for id, ch := range c.pending {
				delete(c.pending, id)
				ch <- wireMessage{Kind: "response", Error: "connection lost"}
			}
			for id, ch := range c.sessions {
				delete(c.sessions, id)
				close(ch)
			}
			c.mu.Unlock()
			if !closed && c.logger != nil {
				c.logger.Warn("agent service connection lost", "error", err.Error())
			}
			return
		}

		switch msg.Kind {
		case "response":
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case "event":
			c.mu.Lock()
			ch, ok := c.sessions[msg.SessionID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- msg:
				default:
					if c.logger != nil {
						c.logger.Warn("agent event dropped, slow consumer",
							"session_id", msg.SessionID)
					}
				}
			}
		}
	}
}

// call sends one command and waits for its correlated response.
func (c *WSClient) call(ctx context.Context, op, sessionID string, payload any) (wireMessage, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return wireMessage{}, fmt.Errorf("marshal %s payload: %w", op, err)
		}
		raw = data
	}
	req := wireRequest{ID: uuid.NewString(), Op: op, SessionID: sessionID, Payload: raw}
	respCh := make(chan wireMessage, 1)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return wireMessage{}, fmt.Errorf("agentclient: not connected")
	}
	c.pending[req.ID] = respCh
	err := c.conn.WriteJSON(req)
	c.mu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return wireMessage{}, fmt.Errorf("send %s: %w", op, err)
	}

	select {
	case resp := <-respCh:
		if resp.Error != "" {
			return resp, fmt.Errorf("agent service %s: %s", op, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return wireMessage{}, ctx.Err()
	}
}

func (c *WSClient) CreateSession(ctx context.Context, spec SessionSpec) (string, error) {
	resp, err := c.call(ctx, "session.create", "", map[string]any{
		"title":        spec.Title,
		"directory":    spec.Directory,
		"auto_approve": spec.AutoApprove,
	})
	if err != nil {
		return "", err
	}
	var result struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("decode session.create result: %w", err)
	}

	c.mu.Lock()
	c.sessions[result.SessionID] = make(chan wireMessage, 1024)
	c.mu.Unlock()
	return result.SessionID, nil
}

func (c *WSClient) SendPrompt(ctx context.Context, sessionID, text string, opts PromptOptions) error {
	_, err := c.call(ctx, "session.prompt", sessionID, map[string]any{
		"text": text,
		"role": opts.Role,
	})
	return err
}

func (c *WSClient) WaitForIdle(ctx context.Context, sessionID string, opts WaitOptions) (*IdleResult, error) {
	c.mu.Lock()
	ch, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("agentclient: unknown session %s", sessionID)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.idleDefault
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	result := &IdleResult{}
	for {
		select {
		case msg, open := <-ch:
			if !open {
				return nil, ErrSessionAborted
			}
			if msg.Event == nil {
				continue
			}
			if msg.Event.Type == wireEventIdle {
				if msg.Usage != nil {
					result.FinalOutput = msg.Usage.FinalOutput
					result.InputTokens = msg.Usage.InputTokens
					result.OutputTokens = msg.Usage.OutputTokens
					result.CostUSD = msg.Usage.CostUSD
				}
				return result, nil
			}
			event := *msg.Event
			if event.SessionID == "" {
				event.SessionID = sessionID
			}
			if opts.OnEvent != nil {
				opts.OnEvent(event)
			}
			result.Events = append(result.Events, event)
		case <-timer.C:
			return nil, fmt.Errorf("%w after %s", ErrIdleTimeout, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *WSClient) AbortSession(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, "session.abort", sessionID, nil)

	c.mu.Lock()
	if ch, ok := c.sessions[sessionID]; ok {
		delete(c.sessions, sessionID)
		close(ch)
	}
	c.mu.Unlock()
	return err
}

func (c *WSClient) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, "session.delete", sessionID, nil)

	c.mu.Lock()
	if ch, ok := c.sessions[sessionID]; ok {
		delete(c.sessions, sessionID)
		close(ch)
	}
	c.mu.Unlock()
	return err
}
