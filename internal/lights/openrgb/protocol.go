package openrgb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// SDK protocol packet ids. Only what the client needs is listed.
const (
	packetRequestControllerCount uint32 = 0
	packetRequestControllerData  uint32 = 1
	packetSetClientName          uint32 = 50
	packetUpdateSingleLED        uint32 = 1052
)

const headerSize = 16

var magic = [4]byte{'O', 'R', 'G', 'B'}

// maxPayload bounds a single reply. Controller data for large devices is a
// few hundred KiB at most.
const maxPayload = 8 << 20

var (
	errBadMagic = errors.New("openrgb: invalid packet magic")
	errDecode   = errors.New("openrgb: malformed payload")
)

type header struct {
	Magic    [4]byte
	DeviceID uint32
	PacketID uint32
	Size     uint32
}

func writePacket(w io.Writer, deviceID, packetID uint32, payload []byte) error {
	buf := make([]byte, headerSize+len(payload))
	copy(buf[0:4], magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], deviceID)
	binary.LittleEndian.PutUint32(buf[8:12], packetID)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(payload)))
	copy(buf[headerSize:], payload)

	_, err := w.Write(buf)
	return err
}

func readPacket(r io.Reader) (header, []byte, error) {
	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, nil, err
	}
	if h.Magic != magic {
		return h, nil, errBadMagic
	}
	if h.Size > maxPayload {
		return h, nil, fmt.Errorf("openrgb: payload of %d bytes exceeds limit", h.Size)
	}

	payload := make([]byte, h.Size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return h, nil, err
	}
	return h, payload, nil
}

// decoder walks a little-endian payload. The first short read sticks and
// every later call returns zero values.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf) < n {
		d.err = io.ErrUnexpectedEOF
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) skip(n int) {
	d.take(n)
}

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// str reads a length-prefixed, NUL-terminated string.
func (d *decoder) str() string {
	n := int(d.u16())
	b := d.take(n)
	if len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b)
}

// controllerData is the subset of a controller description the client uses.
type controllerData struct {
	Name        string
	Description string
	LEDCount    int
	Colors      [][3]uint8
}

// decodeControllerData parses a protocol version 0 controller data block.
func decodeControllerData(payload []byte) (controllerData, error) {
	d := &decoder{buf: payload}
	var c controllerData

	d.u32() // data size
	d.u32() // device type
	c.Name = d.str()
	c.Description = d.str()
	d.str() // version
	d.str() // serial
	d.str() // location

	numModes := int(d.u16())
	d.u32() // active mode
	for i := 0; i < numModes && d.err == nil; i++ {
		d.str()   // name
		d.skip(4) // value
		d.skip(4) // flags
		d.skip(4) // speed min
		d.skip(4) // speed max
		d.skip(4) // colors min
		d.skip(4) // colors max
		d.skip(4) // speed
		d.skip(4) // direction
		d.skip(4) // color mode
		d.skip(4 * int(d.u16()))
	}

	numZones := int(d.u16())
	for i := 0; i < numZones && d.err == nil; i++ {
		d.str()   // name
		d.skip(4) // type
		d.skip(4) // leds min
		d.skip(4) // leds max
		d.skip(4) // leds count
		d.skip(int(d.u16()))
	}

	c.LEDCount = int(d.u16())
	for i := 0; i < c.LEDCount && d.err == nil; i++ {
		d.str()   // name
		d.skip(4) // value
	}

	numColors := int(d.u16())
	c.Colors = make([][3]uint8, 0, numColors)
	for i := 0; i < numColors && d.err == nil; i++ {
		b := d.take(4)
		if b != nil {
			c.Colors = append(c.Colors, [3]uint8{b[0], b[1], b[2]})
		}
	}

	if d.err != nil {
		return controllerData{}, fmt.Errorf("%w: controller data: %w", errDecode, d.err)
	}
	return c, nil
}
