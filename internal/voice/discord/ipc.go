package discord

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// IPC opcodes. Every frame is an 8-byte little-endian header (opcode,
// payload length) followed by a JSON payload.
const (
	opHandshake uint32 = 0
	opFrame     uint32 = 1
	opClose     uint32 = 2
	opPing      uint32 = 3
	opPong      uint32 = 4
)

const maxFrameSize = 1 << 20

func writeFrame(w io.Writer, op uint32, payload []byte) error {
	buf := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], op)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[8:], payload)

	_, err := w.Write(buf)
	return err
}

func writeJSONFrame(w io.Writer, op uint32, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeFrame(w, op, payload)
}

func readFrame(r io.Reader) (uint32, []byte, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}

	op := binary.LittleEndian.Uint32(hdr[0:4])
	size := binary.LittleEndian.Uint32(hdr[4:8])
	if size > maxFrameSize {
		return op, nil, fmt.Errorf("discord: frame of %d bytes exceeds limit", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return op, nil, err
	}
	return op, payload, nil
}

type handshake struct {
	Version  int    `json:"v"`
	ClientID string `json:"client_id"`
}

// command is an outgoing RPC request.
type command struct {
	Cmd   string `json:"cmd"`
	Args  any    `json:"args"`
	Evt   string `json:"evt,omitempty"`
	Nonce string `json:"nonce"`
}

// message is any incoming FRAME payload: a command response (matched by
// nonce) or a DISPATCH event.
type message struct {
	Cmd   string          `json:"cmd"`
	Evt   string          `json:"evt"`
	Nonce string          `json:"nonce"`
	Data  json.RawMessage `json:"data"`
}

// RPCError is an ERROR response or a CLOSE frame from the client.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("discord rpc error %d: %s", e.Code, e.Message)
}

type voiceSettings struct {
	Mute bool `json:"mute"`
	Deaf bool `json:"deaf"`
}
