package n2k

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// EncodeFunc encodes a typed Message back into raw wire bytes using a PGN
// catalog (e.g. (*canboat.Encoder).Encode), the dual of DecodeFunc.
type EncodeFunc func(Message) (RawMessage, error)

// ClientState is the gateway client's state machine: a single
// enumerated value in {Disconnected, Connected, Closed}.
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnected
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ErrClientClosed is returned by Connect/Send once Close has been called;
// a closed Client never reconnects.
var ErrClientClosed = errors.New("n2k: client is closed")

// ReceiveCallback is invoked once per decoded message, in wire-arrival
// order, from the Client's dispatch loop. Borrowed from the caller for the
// Client's lifetime only; never retained past Close.
type ReceiveCallback func(Message)

// ErrorCallback is invoked for decode/transport errors the Client
// encounters off the caller's goroutine (bad frames, reconnects, panics in
// ReceiveCallback). It must not block.
type ErrorCallback func(error)

// ClientConfig configures one Client.
type ClientConfig struct {
	// SeedNetworkMap, when true, sends ISO-Request (PGN 59904) for PGNs
	// 60928, 126996, 126998 in sequence, two seconds apart, starting two
	// seconds after reaching CONNECTED.
	SeedNetworkMap bool
}

// unboundedQueue is the unbounded FIFO message queue between the receive
// and dispatch loops: a plain growable slice behind a mutex, unlike the
// fixed-capacity queue[T] the network mapper uses for its write-throttling
// buffer.
type unboundedQueue[T any] struct {
	mu    sync.Mutex
	items []T
}

func (q *unboundedQueue[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

func (q *unboundedQueue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

// Client is the reconnecting gateway client: it owns one decode
// pipeline, one encode function, one device (reader/writer of whatever
// dialect), one unbounded message queue, and the receive-loop/dispatch-loop
// goroutine pair. Within one Client these never run interleaved with
// themselves; connect/send/close are safe to call concurrently with each
// other, serialized by mu.
type Client struct {
	device RawMessageReaderWriter

	pipeline *Pipeline
	encode   EncodeFunc

	config  ClientConfig
	onMsg   ReceiveCallback
	onError ErrorCallback

	mu            sync.Mutex
	state         ClientState
	cancelReceive context.CancelFunc
	connectGroup  singleflight.Group

	fpSeqMu sync.Mutex
	fpSeq   uint8

	queue  unboundedQueue[Message]
	signal chan struct{}
	wg     sync.WaitGroup
}

// NewClient creates a Client around device, decoding received messages with
// pipeline and encoding sent messages with encode. onMsg is called once per
// decoded message in wire-arrival order; onError is called for decode and
// transport errors the background loops encounter. Both may be nil.
func NewClient(device RawMessageReaderWriter, pipeline *Pipeline, encode EncodeFunc, onMsg ReceiveCallback, onError ErrorCallback, config ClientConfig) *Client {
	return &Client{
		device:   device,
		pipeline: pipeline,
		encode:   encode,
		config:   config,
		onMsg:    onMsg,
		onError:  onError,
		signal:   make(chan struct{}, 1),
	}
}

// State returns the client's current state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the underlying transport if it isn't already
// CONNECTED, idempotently: concurrent callers collapse onto the single
// in-flight attempt. It retries with exponential backoff (500ms, doubling,
// capped at 10s, no attempt limit) until the device initializes or the
// client is Closed, at which point it returns ErrClientClosed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateClosed:
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.mu.Unlock()

	_, err, _ := c.connectGroup.Do("connect", func() (any, error) {
		return nil, c.connectWithBackoff(ctx)
	})
	return err
}

func (c *Client) connectWithBackoff(ctx context.Context) error {
	backoff := reconnectBackoffMin
	for {
		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return ErrClientClosed
		}
		c.mu.Unlock()

		if err := c.device.Initialize(); err == nil {
			c.mu.Lock()
			if c.state == StateClosed {
				c.mu.Unlock()
				return ErrClientClosed
			}
			c.state = StateConnected
			if c.cancelReceive != nil {
				c.cancelReceive()
			}
			rctx, cancel := context.WithCancel(context.Background())
			c.cancelReceive = cancel
			c.mu.Unlock()

			c.wg.Add(2)
			go c.receiveLoop(rctx)
			go c.dispatchLoop(rctx)
			if c.config.SeedNetworkMap {
				go c.seedNetworkMap(rctx)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectBackoffMax {
			backoff = reconnectBackoffMax
		}
	}
}

// receiveLoop repeatedly reads one raw message, decodes it through the
// pipeline, and pushes successfully decoded messages onto the queue. Any
// transport error transitions the client to DISCONNECTED and schedules a
// reconnect; cancellation (on reconnect or Close) exits cleanly, abandoning
// whatever fast-packet reassembly state the device held.
func (c *Client) receiveLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := c.device.ReadRawMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.reportError(newError(KindTransportError, "Client.receiveLoop", err))
			c.dropConnection()
			return
		}

		msg, err := c.pipeline.Decode(raw)
		if err != nil {
			c.reportError(fmt.Errorf("Client.receiveLoop: dropping frame for PGN %d: %w", raw.Header.PGN, err))
			continue
		}
		if msg == nil {
			continue
		}

		c.queue.push(*msg)
		select {
		case c.signal <- struct{}{}:
		default:
		}
	}
}

// dispatchLoop drains the queue into onMsg, one message at a time, in the
// order receiveLoop enqueued them. A panicking callback is recovered and
// reported; the loop continues.
func (c *Client) dispatchLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.signal:
		}
		for {
			msg, ok := c.queue.pop()
			if !ok {
				break
			}
			c.dispatch(msg)
		}
	}
}

func (c *Client) dispatch(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.reportError(fmt.Errorf("Client.dispatch: receive callback panicked: %v", r))
		}
	}()
	if c.onMsg != nil {
		c.onMsg(msg)
	}
}

func (c *Client) reportError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

// dropConnection transitions to DISCONNECTED (unless already CLOSED) and
// schedules a reconnect in the background.
func (c *Client) dropConnection() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	go func() {
		_ = c.Connect(context.Background())
	}()
}

// seedNetworkMap sends ISO-Request for PGNs 60928, 126996, 126998 in
// sequence, two seconds apart, starting two seconds after CONNECTED
// broadcasts. Write failures are left for the normal receive/send error
// path to notice; seeding itself never tears the connection down.
func (c *Client) seedNetworkMap(ctx context.Context) {
	pgns := []PGN{PGNISOAddressClaim, PGNProductInfo, PGNConfigurationInformation}
	t := time.NewTimer(2 * time.Second)
	defer t.Stop()
	for _, pgn := range pgns {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		req := createISORequest(pgn, AddressGlobal)
		_ = c.device.WriteRawMessage(ctx, req)
		t.Reset(2 * time.Second)
	}
}

// Send encodes msg and writes each resulting wire frame in order. A
// multi-frame fast-packet message fragments
// atomically using the Client's own sequence counter; concurrent Send calls
// are not serialized against each other, so callers needing atomic
// fast-packet sends must not call Send concurrently from multiple
// goroutines on the same Client.
func (c *Client) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.mu.Unlock()

	raw, err := c.encode(msg)
	if err != nil {
		return err
	}

	frames, err := c.fragment(raw)
	if err != nil {
		return err
	}

	for _, frame := range frames {
		if err := c.device.WriteRawMessage(ctx, frame); err != nil {
			c.dropConnection()
			return newError(KindTransportError, "Client.Send", err)
		}
	}
	return nil
}

// fragment splits raw into its wire-frame sequence: a single message when
// the payload fits one CAN frame, or a
// fast-packet sequence (first frame + continuations) otherwise.
func (c *Client) fragment(raw RawMessage) ([]RawMessage, error) {
	if len(raw.Data) <= 8 {
		return []RawMessage{raw}, nil
	}

	c.fpSeqMu.Lock()
	seq := c.fpSeq
	c.fpSeq = (c.fpSeq + 1) % 8
	c.fpSeqMu.Unlock()

	rawFrames, err := FragmentFastPacket(raw.Header, raw.Data, seq)
	if err != nil {
		return nil, err
	}
	out := make([]RawMessage, len(rawFrames))
	for i, f := range rawFrames {
		out[i] = RawMessage{Time: raw.Time, Header: raw.Header, Data: append([]byte{}, f.Data[:f.Length]...)}
	}
	return out, nil
}

// Close transitions to CLOSED, cancels the receive/dispatch loops, and
// closes the underlying device. Close is terminal: a closed Client never
// reconnects, and Connect/Send return ErrClientClosed afterward.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	if c.cancelReceive != nil {
		c.cancelReceive()
	}
	c.mu.Unlock()

	c.wg.Wait()
	return c.device.Close()
}
