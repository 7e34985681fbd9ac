package openrgb

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	name        string
	description string
	leds        int
	// silent devices never answer a controller data request
	silent bool
}

type ledUpdate struct {
	deviceID int
	ledIndex int
	rgb      [3]uint8
}

// fakeServer is a minimal OpenRGB SDK server speaking protocol version 0.
type fakeServer struct {
	t       *testing.T
	ln      net.Listener
	devices []fakeDevice

	mu         sync.Mutex
	clientName string
	updates    []ledUpdate
	conns      []net.Conn
	accepted   int
}

func newFakeServer(t *testing.T, devices ...fakeDevice) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{t: t, ln: ln, devices: devices}
	go s.serve()
	t.Cleanup(s.close)
	return s
}

func (s *fakeServer) addr() string {
	return s.ln.Addr().String()
}

func (s *fakeServer) close() {
	s.ln.Close()
	s.dropClients()
}

func (s *fakeServer) dropClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *fakeServer) ledUpdates() []ledUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ledUpdate(nil), s.updates...)
}

func (s *fakeServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func (s *fakeServer) name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientName
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.accepted++
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()
	for {
		h, payload, err := readPacket(conn)
		if err != nil {
			return
		}

		switch h.PacketID {
		case packetSetClientName:
			s.mu.Lock()
			s.clientName = string(payload[:len(payload)-1])
			s.mu.Unlock()
		case packetRequestControllerCount:
			reply := make([]byte, 4)
			binary.LittleEndian.PutUint32(reply, uint32(len(s.devices)))
			_ = writePacket(conn, 0, packetRequestControllerCount, reply)
		case packetRequestControllerData:
			// the real server ignores indexes it does not have
			if int(h.DeviceID) >= len(s.devices) || s.devices[h.DeviceID].silent {
				continue
			}
			_ = writePacket(conn, h.DeviceID, packetRequestControllerData, encodeControllerData(s.devices[h.DeviceID]))
		case packetUpdateSingleLED:
			s.mu.Lock()
			s.updates = append(s.updates, ledUpdate{
				deviceID: int(h.DeviceID),
				ledIndex: int(binary.LittleEndian.Uint32(payload[0:4])),
				rgb:      [3]uint8{payload[4], payload[5], payload[6]},
			})
			s.mu.Unlock()
		}
	}
}

type encoder struct {
	buf []byte
}

func (e *encoder) u16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) str(s string) {
	e.u16(uint16(len(s) + 1))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

func encodeControllerData(d fakeDevice) []byte {
	e := &encoder{}
	e.u32(0) // data size, patched below
	e.u32(5) // keyboard
	e.str(d.name)
	e.str(d.description)
	e.str("1.0")
	e.str("serial")
	e.str("usb")

	// one mode with two colors
	e.u16(1)
	e.u32(0)
	e.str("Direct")
	for i := 0; i < 9; i++ {
		e.u32(0)
	}
	e.u16(2)
	e.u32(0)
	e.u32(0)

	// one zone with a 1x1 matrix
	e.u16(1)
	e.str("Keys")
	e.u32(2)
	e.u32(uint32(d.leds))
	e.u32(uint32(d.leds))
	e.u32(uint32(d.leds))
	e.u16(12)
	e.u32(1)
	e.u32(1)
	e.u32(0)

	e.u16(uint16(d.leds))
	for i := 0; i < d.leds; i++ {
		e.str("Key")
		e.u32(uint32(i))
	}

	e.u16(uint16(d.leds))
	for i := 0; i < d.leds; i++ {
		e.u32(0)
	}

	binary.LittleEndian.PutUint32(e.buf[0:4], uint32(len(e.buf)))
	return e.buf
}
