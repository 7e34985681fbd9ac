package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const handshakeTimeout = 10 * time.Second

var ErrConnectionClosed = errors.New("discord: connection closed")

// Client is one IPC session with the Discord desktop client. A single reader
// goroutine routes command responses by nonce and forwards DISPATCH events
// in the order they arrive.
type Client struct {
	conn    net.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *message

	events chan *message
	done   chan struct{}
	err    error
}

// handshakeClient performs the IPC handshake on conn and waits for READY.
func handshakeClient(ctx context.Context, conn net.Conn, clientID string) (*Client, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(handshakeTimeout)
	}
	_ = conn.SetDeadline(deadline)

	if err := writeJSONFrame(conn, opHandshake, handshake{Version: 1, ClientID: clientID}); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	for {
		op, payload, err := readFrame(conn)
		if err != nil {
			return nil, fmt.Errorf("read handshake reply: %w", err)
		}

		switch op {
		case opClose:
			return nil, closeError(payload)
		case opPing:
			if err := writeFrame(conn, opPong, payload); err != nil {
				return nil, err
			}
			continue
		case opFrame:
		default:
			continue
		}

		var m message
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("decode handshake reply: %w", err)
		}
		if m.Cmd == "DISPATCH" && m.Evt == "READY" {
			break
		}
		if m.Evt == "ERROR" {
			return nil, decodeRPCError(m.Data)
		}
	}

	_ = conn.SetDeadline(time.Time{})

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan *message),
		events:  make(chan *message, 16),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.events)

	for {
		op, payload, err := readFrame(c.conn)
		if err != nil {
			c.fail(err)
			return
		}

		switch op {
		case opPing:
			if err := c.write(opPong, payload); err != nil {
				c.fail(err)
				return
			}
		case opClose:
			c.fail(closeError(payload))
			return
		case opFrame:
			var m message
			if err := json.Unmarshal(payload, &m); err != nil {
				logger.With(zap.Error(err)).Warn("Dropping undecodable frame")
				continue
			}

			if m.Cmd == "DISPATCH" {
				select {
				case c.events <- &m:
				case <-c.done:
					return
				}
				continue
			}

			c.mu.Lock()
			ch, ok := c.pending[m.Nonce]
			delete(c.pending, m.Nonce)
			c.mu.Unlock()
			if !ok {
				logger.With(zap.String("cmd", m.Cmd), zap.String("nonce", m.Nonce)).Debug("Response without a waiting caller")
				continue
			}
			ch <- &m
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
	}
	c.err = err
	close(c.done)
}

func (c *Client) write(op uint32, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.conn, op, payload)
}

// call sends a command and waits for the response with the same nonce.
func (c *Client) call(ctx context.Context, cmd string, args any, evt string) (json.RawMessage, error) {
	if args == nil {
		args = struct{}{}
	}
	req := command{Cmd: cmd, Args: args, Evt: evt, Nonce: uuid.NewString()}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan *message, 1)
	c.mu.Lock()
	c.pending[req.Nonce] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.Nonce)
		c.mu.Unlock()
	}()

	if err := c.write(opFrame, payload); err != nil {
		return nil, fmt.Errorf("send %s: %w", cmd, err)
	}

	select {
	case m := <-ch:
		if m.Evt == "ERROR" {
			return nil, decodeRPCError(m.Data)
		}
		return m.Data, nil
	case <-c.done:
		return nil, fmt.Errorf("%s: %w: %w", cmd, ErrConnectionClosed, c.err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Events yields DISPATCH messages in arrival order and is closed when the
// connection ends.
func (c *Client) Events() <-chan *message {
	return c.events
}

// Err is the reason the connection ended, nil while it is open.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) Close() error {
	c.fail(ErrConnectionClosed)
	return c.conn.Close()
}

func decodeRPCError(data json.RawMessage) error {
	rpcErr := &RPCError{}
	if err := json.Unmarshal(data, rpcErr); err != nil {
		return fmt.Errorf("discord: undecodable error response: %w", err)
	}
	return rpcErr
}

func closeError(payload []byte) error {
	rpcErr := &RPCError{}
	if err := json.Unmarshal(payload, rpcErr); err != nil {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, rpcErr)
}
