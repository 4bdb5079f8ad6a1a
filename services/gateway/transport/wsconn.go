// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport adapts gorilla websocket connections to the gateway's
// agent channel abstraction.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/ComputeGateway/services/gateway/protocol"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("channel closed")

const (
	defaultWriteTimeout = 10 * time.Second
	closeGracePeriod    = time.Second
)

// Options tunes a WSChannel.
type Options struct {
	// WriteTimeout bounds every write. Default 10s.
	WriteTimeout time.Duration

	// PingPeriod sends a keepalive ping at this interval. Zero disables it.
	PingPeriod time.Duration

	// MaxMessageBytes caps inbound frame size. Zero means unlimited.
	MaxMessageBytes int64
}

// WSChannel is one host agent's websocket.
//
// # Description
//
// Reads have no deadline: an idle agent is not disconnected. Writes (commands
// and keepalive pings) are serialised on a mutex because gorilla allows only
// one concurrent writer. A failed keepalive closes the socket, which is what
// ends the receive loop for a silently dead peer.
//
// # Thread Safety
//
// Send and Close may be called from any goroutine. Receive must be called
// from a single goroutine.
type WSChannel struct {
	id   string
	conn *websocket.Conn
	opts Options

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

// NewWSChannel wraps an upgraded connection and starts its keepalive.
func NewWSChannel(conn *websocket.Conn, opts Options) *WSChannel {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(opts.MaxMessageBytes)
	}

	c := &WSChannel{
		id:   uuid.New().String(),
		conn: conn,
		opts: opts,
		done: make(chan struct{}),
	}
	if opts.PingPeriod > 0 {
		go c.keepalive()
	}
	return c
}

// ID returns the channel's unique id.
func (c *WSChannel) ID() string { return c.id }

// RemoteAddr returns the peer address, for logging.
func (c *WSChannel) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// Send writes cmd as one JSON text frame.
func (c *WSChannel) Send(ctx context.Context, cmd protocol.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

// Receive blocks until the next data frame. Any error is terminal for the
// channel.
func (c *WSChannel) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Close sends a best-effort close frame and closes the socket. Safe to call
// more than once.
func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *WSChannel) keepalive() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}
