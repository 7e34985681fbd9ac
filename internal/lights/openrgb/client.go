package openrgb

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/scheerer/voice-key-lights/internal/lights"
)

const defaultIOTimeout = 5 * time.Second

// Client speaks the OpenRGB SDK protocol (version 0) over one TCP connection.
// Calls are serialized; the protocol has no request ids.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

func Dial(ctx context.Context, addr, clientName string) (*Client, error) {
	dialer := net.Dialer{Timeout: defaultIOTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c := NewClient(conn)
	if err := c.SetClientName(ctx, clientName); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) SetClientName(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setDeadline(ctx)
	return writePacket(c.conn, 0, packetSetClientName, append([]byte(name), 0))
}

func (c *Client) ControllerCount(ctx context.Context) (int, error) {
	payload, err := c.request(ctx, 0, packetRequestControllerCount, nil)
	if err != nil {
		return 0, err
	}
	if len(payload) < 4 {
		return 0, fmt.Errorf("%w: controller count reply is %d bytes", errDecode, len(payload))
	}
	return int(binary.LittleEndian.Uint32(payload)), nil
}

func (c *Client) ControllerData(ctx context.Context, deviceID int) (controllerData, error) {
	payload, err := c.request(ctx, uint32(deviceID), packetRequestControllerData, nil)
	if err != nil {
		return controllerData{}, err
	}
	return decodeControllerData(payload)
}

func (c *Client) UpdateSingleLED(ctx context.Context, deviceID, ledIndex int, color lights.Color) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], uint32(int32(ledIndex)))
	payload[4] = color.Red
	payload[5] = color.Green
	payload[6] = color.Blue

	c.setDeadline(ctx)
	return writePacket(c.conn, uint32(deviceID), packetUpdateSingleLED, payload)
}

// request sends a packet and waits for the reply carrying the same packet id.
// Unsolicited packets (device list notifications) are skipped.
func (c *Client) request(ctx context.Context, deviceID, packetID uint32, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setDeadline(ctx)
	if err := writePacket(c.conn, deviceID, packetID, payload); err != nil {
		return nil, err
	}

	for {
		h, reply, err := readPacket(c.conn)
		if err != nil {
			return nil, err
		}
		if h.PacketID == packetID {
			return reply, nil
		}
	}
}

func (c *Client) setDeadline(ctx context.Context) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultIOTimeout)
	}
	_ = c.conn.SetDeadline(deadline)
}
