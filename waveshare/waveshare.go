// Package waveshare implements the WaveShare serial gateway dialect:
// frames delimited by 0xAA...0x55 sentinels over a 2,000,000 baud 8N1
// serial line.
package waveshare

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/seatrac-nav/n2k"
)

const (
	startByte = 0xAA
	endByte   = 0x55
	// headerSize is start + type + 4-byte little-endian CAN id.
	headerSize = 6
)

// DecodeFrame decodes one WaveShare serial frame: 0xAA, a type byte
// (0xE0|(len&0x0F)), a 4-byte little-endian CAN id, 1-8 payload bytes, and a
// trailing 0x55 sentinel.
func DecodeFrame(raw []byte) (n2k.RawFrame, error) {
	if len(raw) < headerSize+1+1 {
		return n2k.RawFrame{}, fmt.Errorf("waveshare: frame too short (%d bytes)", len(raw))
	}
	if raw[0] != startByte {
		return n2k.RawFrame{}, fmt.Errorf("waveshare: missing start sentinel 0x%02X", startByte)
	}
	if raw[len(raw)-1] != endByte {
		return n2k.RawFrame{}, fmt.Errorf("waveshare: missing end sentinel 0x%02X", endByte)
	}
	length := raw[1] & 0x0F
	if length == 0 || length > 8 {
		return n2k.RawFrame{}, fmt.Errorf("waveshare: frame declares invalid payload length %d", length)
	}
	if len(raw) != headerSize+int(length)+1 {
		return n2k.RawFrame{}, fmt.Errorf("waveshare: frame length %d does not match declared payload length %d", len(raw), length)
	}

	canID := uint32(raw[2]) | uint32(raw[3])<<8 | uint32(raw[4])<<16 | uint32(raw[5])<<24
	frame := n2k.RawFrame{Header: n2k.ParseCANID(canID), Length: length}
	copy(frame.Data[:], raw[headerSize:headerSize+int(length)])
	return frame, nil
}

// EncodeFrame is the dual of DecodeFrame.
func EncodeFrame(header n2k.CanBusHeader, data []byte) ([]byte, error) {
	if len(data) == 0 || len(data) > 8 {
		return nil, fmt.Errorf("waveshare: frame payload must be 1-8 bytes, got %d", len(data))
	}
	out := make([]byte, headerSize+len(data)+1)
	out[0] = startByte
	out[1] = 0xE0 | byte(len(data)&0x0F)
	canID := header.Uint32()
	out[2] = byte(canID)
	out[3] = byte(canID >> 8)
	out[4] = byte(canID >> 16)
	out[5] = byte(canID >> 24)
	copy(out[headerSize:], data)
	out[len(out)-1] = endByte
	return out, nil
}

// Device implements n2k.RawMessageReaderWriter over the WaveShare serial
// dialect, reassembling fast-packet frames through a FastPacketAssembler.
//
// Not goroutine-safe: one Device belongs to one n2k.Client.
type Device struct {
	conn      io.ReadWriteCloser
	assembler *n2k.FastPacketAssembler
	timeNow   func() time.Time

	readBuf []byte
	fpSeq   uint8
}

// NewDevice creates a Device around conn, reassembling fast-packet PGNs
// listed in fastPacketPGNs.
func NewDevice(conn io.ReadWriteCloser, fastPacketPGNs []uint32) *Device {
	return &Device{
		conn:      conn,
		assembler: n2k.NewFastPacketAssembler(fastPacketPGNs),
		timeNow:   time.Now,
		readBuf:   make([]byte, 0, 32),
	}
}

func (d *Device) Initialize() error {
	return nil
}

func (d *Device) Close() error {
	return d.conn.Close()
}

func (d *Device) ReadRawMessage(ctx context.Context) (n2k.RawMessage, error) {
	for {
		select {
		case <-ctx.Done():
			return n2k.RawMessage{}, ctx.Err()
		default:
		}

		raw, err := d.readOneFrame()
		if err != nil {
			return n2k.RawMessage{}, err
		}

		frame, err := DecodeFrame(raw)
		if err != nil {
			return n2k.RawMessage{}, err
		}
		frame.Time = d.timeNow()

		var msg n2k.RawMessage
		if d.assembler.Assemble(frame, &msg) {
			return msg, nil
		}
	}
}

// readOneFrame scans the stream for a start sentinel, then reads the type
// byte (which declares the payload length) followed by exactly as many
// bytes as that length implies, so a payload byte that happens to equal
// 0x55 is never mistaken for the end sentinel.
func (d *Device) readOneFrame() ([]byte, error) {
	one := make([]byte, 1)
	for {
		if _, err := io.ReadFull(d.conn, one); err != nil {
			return nil, err
		}
		if one[0] == startByte {
			break
		}
	}

	rest := make([]byte, headerSize-1)
	if _, err := io.ReadFull(d.conn, rest); err != nil {
		return nil, err
	}
	length := rest[0] & 0x0F

	tail := make([]byte, int(length)+1)
	if _, err := io.ReadFull(d.conn, tail); err != nil {
		return nil, err
	}

	d.readBuf = d.readBuf[:0]
	d.readBuf = append(d.readBuf, startByte)
	d.readBuf = append(d.readBuf, rest...)
	d.readBuf = append(d.readBuf, tail...)
	return d.readBuf, nil
}

func (d *Device) WriteRawMessage(ctx context.Context, msg n2k.RawMessage) error {
	if len(msg.Data) <= 8 {
		frame, err := EncodeFrame(msg.Header, msg.Data)
		if err != nil {
			return err
		}
		_, err = d.conn.Write(frame)
		return err
	}

	frames, err := n2k.FragmentFastPacket(msg.Header, msg.Data, d.fpSeq)
	if err != nil {
		return err
	}
	d.fpSeq = (d.fpSeq + 1) % 8
	for _, f := range frames {
		wire, err := EncodeFrame(f.Header, f.Data[:f.Length])
		if err != nil {
			return err
		}
		if _, err := d.conn.Write(wire); err != nil {
			return err
		}
	}
	return nil
}
