// Package yachtdevices implements the "Yacht Devices" ASCII TCP gateway
// dialect: newline-terminated lines of the form
// `HH:MM:SS.mmm {R|T} <8-hex CAN id> <space-separated hex bytes>`.
package yachtdevices

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/seatrac-nav/n2k"
)

// DecodeLine decodes one Yacht Devices ASCII line into a raw CAN frame. The
// leading timestamp is informational only; direction (R receive, T
// transmit) is accepted but not otherwise interpreted by the decoder.
func DecodeLine(line string) (n2k.RawFrame, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return n2k.RawFrame{}, errors.New("yachtdevices: line has too few fields")
	}
	direction := fields[1]
	if direction != "R" && direction != "T" {
		return n2k.RawFrame{}, fmt.Errorf("yachtdevices: unknown direction %q", direction)
	}

	canID, err := strconv.ParseUint(fields[2], 16, 32)
	if err != nil {
		return n2k.RawFrame{}, fmt.Errorf("yachtdevices: bad CAN id: %w", err)
	}

	dataFields := fields[3:]
	if len(dataFields) == 0 || len(dataFields) > 8 {
		return n2k.RawFrame{}, fmt.Errorf("yachtdevices: payload has %d bytes, want 1-8", len(dataFields))
	}

	frame := n2k.RawFrame{Header: n2k.ParseCANID(uint32(canID)), Length: uint8(len(dataFields))}
	for i, tok := range dataFields {
		b, err := hex.DecodeString(tok)
		if err != nil || len(b) != 1 {
			return n2k.RawFrame{}, fmt.Errorf("yachtdevices: bad payload byte %q", tok)
		}
		frame.Data[i] = b[0]
	}
	return frame, nil
}

// EncodeLine is the dual of DecodeLine; direction is always "T" since this
// library only ever encodes outgoing frames.
func EncodeLine(t time.Time, header n2k.CanBusHeader, data []byte) (string, error) {
	if len(data) == 0 || len(data) > 8 {
		return "", fmt.Errorf("yachtdevices: frame payload must be 1-8 bytes, got %d", len(data))
	}
	timePart := fmt.Sprintf("%02d:%02d:%02d.%03d", t.Hour(), t.Minute(), t.Second(), t.Nanosecond()/1_000_000)
	bytesPart := make([]string, len(data))
	for i, b := range data {
		bytesPart[i] = fmt.Sprintf("%02X", b)
	}
	return fmt.Sprintf("%s T %08X %s", timePart, header.Uint32(), strings.Join(bytesPart, " ")), nil
}

// Device implements n2k.RawMessageReaderWriter over the Yacht Devices ASCII
// dialect, reassembling fast-packet frames through a FastPacketAssembler.
//
// Not goroutine-safe: one Device belongs to one n2k.Client.
type Device struct {
	conn      io.ReadWriteCloser
	reader    *bufio.Reader
	assembler *n2k.FastPacketAssembler
	timeNow   func() time.Time

	fpSeq uint8
}

// NewDevice creates a Device around conn, reassembling fast-packet PGNs
// listed in fastPacketPGNs.
func NewDevice(conn io.ReadWriteCloser, fastPacketPGNs []uint32) *Device {
	return &Device{
		conn:      conn,
		reader:    bufio.NewReader(conn),
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
	for {
		select {
		case <-ctx.Done():
			return n2k.RawMessage{}, ctx.Err()
		default:
		}

		line, err := d.reader.ReadString('\n')
		if err != nil {
			return n2k.RawMessage{}, err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		frame, err := DecodeLine(line)
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
	now := d.timeNow()
	if len(msg.Data) <= 8 {
		line, err := EncodeLine(now, msg.Header, msg.Data)
		if err != nil {
			return err
		}
		_, err = d.conn.Write([]byte(line + "\r\n"))
		return err
	}

	frames, err := n2k.FragmentFastPacket(msg.Header, msg.Data, d.fpSeq)
	if err != nil {
		return err
	}
	d.fpSeq = (d.fpSeq + 1) % 8
	for _, f := range frames {
		line, err := EncodeLine(now, f.Header, f.Data[:f.Length])
		if err != nil {
			return err
		}
		if _, err := d.conn.Write([]byte(line + "\r\n")); err != nil {
			return err
		}
	}
	return nil
}
