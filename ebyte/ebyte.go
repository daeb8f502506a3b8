// Package ebyte implements the EByte binary TCP gateway dialect: a fixed
// 13-byte frame, one per CAN frame, carrying the CAN id big-endian and up
// to 8 payload bytes.
package ebyte

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/seatrac-nav/n2k"
)

// FrameSize is the fixed wire length of one EByte binary frame.
const FrameSize = 13

// DecodeFrame decodes one 13-byte EByte frame into a raw CAN frame. Byte 0 is
// (ext<<7)|(len&0x0F); bytes 1-4 are the CAN id, big-endian; bytes 5-12 carry
// up to 8 payload bytes, used from the front, the rest don't-cares.
//
// The payload bytes are carried in frame order; no reversal is applied at
// this layer.
func DecodeFrame(raw []byte) (n2k.RawFrame, error) {
	if len(raw) != FrameSize {
		return n2k.RawFrame{}, fmt.Errorf("ebyte: frame must be %d bytes, got %d", FrameSize, len(raw))
	}
	length := raw[0] & 0x0F
	if length > 8 {
		return n2k.RawFrame{}, fmt.Errorf("ebyte: frame declares payload length %d > 8", length)
	}
	canID := binary.BigEndian.Uint32(raw[1:5])

	frame := n2k.RawFrame{Header: n2k.ParseCANID(canID), Length: length}
	copy(frame.Data[:], raw[5:5+8])
	return frame, nil
}

// EncodeFrame is the dual of DecodeFrame. The extended-frame bit is always
// set, since every PGN this library knows about uses the 29-bit CAN id.
func EncodeFrame(header n2k.CanBusHeader, data []byte) ([]byte, error) {
	if len(data) > 8 {
		return nil, fmt.Errorf("ebyte: frame payload must be at most 8 bytes, got %d", len(data))
	}
	out := make([]byte, FrameSize)
	out[0] = 0x80 | byte(len(data)&0x0F)
	binary.BigEndian.PutUint32(out[1:5], header.Uint32())
	copy(out[5:], data)
	return out, nil
}

// refusalPrefix is the literal ASCII text an EByte gateway sends instead of a
// frame when it has refused the connection.
const refusalPrefix = "Sorry,Limited"

// ErrRefused is returned by ReadRawMessage when the gateway's first 13 bytes
// spell out the refusal text instead of a binary frame.
var ErrRefused = errors.New("ebyte: gateway refused connection (Sorry,Limited)")

// Device implements n2k.RawMessageReaderWriter over the EByte binary TCP
// dialect. Multi-frame fast-packet messages arrive as a sequence of raw
// frames, so Device always reassembles through a FastPacketAssembler.
//
// Not goroutine-safe: one Device belongs to one n2k.Client.
type Device struct {
	conn      io.ReadWriteCloser
	assembler *n2k.FastPacketAssembler
	timeNow   func() time.Time

	fpSeq uint8
}

// NewDevice creates a Device around conn, reassembling fast-packet PGNs
// listed in fastPacketPGNs.
func NewDevice(conn io.ReadWriteCloser, fastPacketPGNs []uint32) *Device {
	return &Device{
		conn:      conn,
		assembler: n2k.NewFastPacketAssembler(fastPacketPGNs),
		timeNow:   time.Now,
	}
}

func (d *Device) Initialize() error {
	return nil
}

func (d *Device) Close() error {
	return d.conn.Close()
}

func (d *Device) ReadRawMessage(ctx context.Context) (n2k.RawMessage, error) {
	buf := make([]byte, FrameSize)
	for {
		select {
		case <-ctx.Done():
			return n2k.RawMessage{}, ctx.Err()
		default:
		}

		if _, err := io.ReadFull(d.conn, buf); err != nil {
			return n2k.RawMessage{}, err
		}
		if string(buf[:len(refusalPrefix)]) == refusalPrefix {
			return n2k.RawMessage{}, ErrRefused
		}

		frame, err := DecodeFrame(buf)
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
