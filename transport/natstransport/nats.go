// Package natstransport moves packets over NATS subjects. Packets travel as
// JSON envelopes (see transport.Encode).
package natstransport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/dcshock/runflow/flow"
	"github.com/dcshock/runflow/logging"
	"github.com/dcshock/runflow/transport"
)

// ErrNotConnected is returned when the NATS connection is not usable.
var ErrNotConnected = errors.New("not connected to NATS")

// DefaultBuffer is the number of messages a Receiver holds between polls.
const DefaultBuffer = 1024

// Receiver buffers messages from a subject and hands them out on Receive.
// Messages arriving while the buffer is full are dropped by the client and
// counted as slow-consumer errors.
type Receiver struct {
	sub      *nats.Subscription
	ch       chan *nats.Msg
	maxBatch int
	logger   logging.Logger
	invalid  atomic.Int64
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithMaxBatch caps the packets returned by one Receive (default: the buffer size).
func WithMaxBatch(n int) ReceiverOption {
	return func(r *Receiver) {
		if n > 0 {
			r.maxBatch = n
		}
	}
}

// WithLogger sets the logger used for undecodable messages.
func WithLogger(l logging.Logger) ReceiverOption {
	return func(r *Receiver) {
		if l != nil {
			r.logger = l
		}
	}
}

// Subscribe starts buffering messages published on subject. If queue is not
// empty the subscription joins that queue group, so several processes can
// share the load.
func Subscribe(nc *nats.Conn, subject, queue string, buffer int, opts ...ReceiverOption) (*Receiver, error) {
	if nc == nil || !nc.IsConnected() {
		return nil, ErrNotConnected
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	r := &Receiver{
		ch:       make(chan *nats.Msg, buffer),
		maxBatch: buffer,
		logger:   logging.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	var err error
	if queue != "" {
		r.sub, err = nc.ChanQueueSubscribe(subject, queue, r.ch)
	} else {
		r.sub, err = nc.ChanSubscribe(subject, r.ch)
	}
	if err != nil {
		return nil, fmt.Errorf("natstransport: subscribe %s: %w", subject, err)
	}
	return r, nil
}

// Receive drains up to the batch limit of buffered messages without
// blocking. Messages that are not valid envelopes are logged and skipped.
func (r *Receiver) Receive(ctx context.Context) ([]*flow.Packet, error) {
	var out []*flow.Packet
	for len(out) < r.maxBatch {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case msg := <-r.ch:
			p, err := transport.Decode(msg.Data)
			if err != nil {
				r.invalid.Add(1)
				r.logger.Warn("skipping invalid message", "subject", msg.Subject, "error", err)
				continue
			}
			out = append(out, p)
		default:
			return out, nil
		}
	}
	return out, nil
}

// Invalid returns the number of messages skipped because they did not decode.
func (r *Receiver) Invalid() int64 { return r.invalid.Load() }

// Close unsubscribes. Buffered messages not yet received are discarded.
func (r *Receiver) Close() error {
	if err := r.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("natstransport: unsubscribe: %w", err)
	}
	return nil
}

// Sender publishes packets to a subject.
type Sender struct {
	nc      *nats.Conn
	subject string
}

// NewSender returns a Sender publishing on subject.
func NewSender(nc *nats.Conn, subject string) *Sender {
	return &Sender{nc: nc, subject: subject}
}

// Send publishes p as an envelope.
func (s *Sender) Send(_ context.Context, p *flow.Packet) error {
	if s.nc == nil || !s.nc.IsConnected() {
		return ErrNotConnected
	}
	data, err := transport.Encode(p)
	if err != nil {
		return err
	}
	if err := s.nc.Publish(s.subject, data); err != nil {
		return fmt.Errorf("natstransport: publish %s: %w", s.subject, err)
	}
	return nil
}

// Flush waits until the server has processed everything published so far.
func (s *Sender) Flush(ctx context.Context) error {
	if s.nc == nil {
		return ErrNotConnected
	}
	return s.nc.FlushWithContext(ctx)
}

var (
	_ transport.Receiver = (*Receiver)(nil)
	_ transport.Sender   = (*Sender)(nil)
)
