package socketcan

import (
	"context"
	"errors"
	"github.com/seatrac-nav/n2k"
	"time"
)

// DeviceConfig configures a socketcan Device.
type DeviceConfig struct {
	// InterfaceName is the SocketCAN interface name, for example "can0".
	InterfaceName string
	// ReceiveDataTimeout limits how long reads may return no data before
	// ReadRawMessage gives up and returns an error, so a silent bus doesn't
	// block the caller forever. Defaults to 5s when zero.
	ReceiveDataTimeout time.Duration
	// FastPacketAssembler reassembles multi-frame fast-packet messages that
	// arrive as a sequence of raw CAN frames. Required: SocketCAN delivers
	// one 8-byte frame per read, never a pre-reassembled message.
	FastPacketAssembler *n2k.FastPacketAssembler
}

type Device struct {
	conn *Connection

	// ifName is SocketCAN interface name. For example: can0
	ifName string

	// receiveDataTimeout is to limit amount of time reads can result no data. to timeout the connection when there is no
	// interaction in bus. This is different from for example serial device readTimeout which limits how much time Read
	// call blocks but we want to Reads block small amount of time to be able to check if context was cancelled during read
	// but at the same time we want to be able to detect when there are no coming from bus for excessive amount of time.
	receiveDataTimeout time.Duration

	assembler *n2k.FastPacketAssembler

	timeNow func() time.Time
}

func NewDevice(config DeviceConfig) *Device {
	receiveDataTimeout := config.ReceiveDataTimeout
	if receiveDataTimeout == 0 {
		receiveDataTimeout = 5 * time.Second
	}
	return &Device{
		conn: nil,

		ifName:             config.InterfaceName,
		timeNow:            time.Now,
		receiveDataTimeout: receiveDataTimeout,
		assembler:          config.FastPacketAssembler,
	}
}

func (d *Device) Close() error {
	return d.conn.Close()
}

func (d *Device) Initialize() error {
	conn, err := NewConnection(d.ifName)
	if err != nil {
		return err
	}
	d.conn = conn

	return nil
}

func (d *Device) WriteRawMessage(ctx context.Context, msg n2k.RawMessage) error {
	return errors.New("not implemented") // FIXME: SocketCAN send-side fragmentation is not wired up yet
}

func (d *Device) ReadRawMessage(ctx context.Context) (n2k.RawMessage, error) {
	start := d.timeNow()
	for {
		select {
		case <-ctx.Done():
			return n2k.RawMessage{}, ctx.Err()
		default:
		}

		if err := d.conn.SetReadTimeout(50 * time.Millisecond); err != nil { // max 50ms block time for read per iteration
			return n2k.RawMessage{}, err
		}
		frame, err := d.conn.ReadRawFrame()

		now := d.timeNow()
		// a read timeout is not returned immediately: the next iteration sets a
		// new deadline, until receiveDataTimeout has elapsed. Any other read
		// error is returned at once.
		if err != nil {
			if errors.Is(err, errReadTimeout) {
				if now.Sub(start) > d.receiveDataTimeout {
					return n2k.RawMessage{}, err
				}
				continue
			}
			return n2k.RawMessage{}, err
		}

		if d.assembler != nil {
			var msg n2k.RawMessage
			if d.assembler.Assemble(frame, &msg) {
				return msg, nil
			}
			continue
		}

		return n2k.RawMessage{
			Time:   frame.Time,
			Header: frame.Header,
			Data:   frame.Data[:],
		}, nil
	}
}
