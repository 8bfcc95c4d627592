package terminal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/akylbek/payment-system/pos-terminal/internal/models"
)

// CloseTimeout bounds how long Close waits for the peer to acknowledge.
const CloseTimeout = 1000 * time.Millisecond

var (
	ErrChannelClosed  = errors.New("terminal channel closed")
	ErrForcedClose    = errors.New("terminal channel force closed after close timeout")
	ErrConnectionLost = errors.New("terminal connection lost")
)

// ConnectionError is returned when a channel cannot be opened.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to terminal bridge %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Inbound is one delivery from a channel: a decoded frame or a transport/decode error.
// SessionID is the owner registered when the delivery was made.
type Inbound struct {
	SessionID string
	Frame     Frame
	Err       error
}

type Handler func(Inbound)

// Channel is a connection to one terminal, owned by at most one session.
type Channel interface {
	Send(ctx context.Context, frame any) error
	// OnFrame installs the only handler; nil clears it. Deliveries are sequential.
	OnFrame(owner string, h Handler)
	// Close clears the handler, disconnects and waits at most CloseTimeout for the
	// acknowledgement. ErrForcedClose still means the channel is closed.
	Close(ctx context.Context) error
	Done() <-chan struct{}
}

// Opener is the channel factory for a payment method.
type Opener interface {
	Open(ctx context.Context, m models.PaymentMethod) (Channel, error)
}

type OpenerFunc func(ctx context.Context, m models.PaymentMethod) (Channel, error)

func (f OpenerFunc) Open(ctx context.Context, m models.PaymentMethod) (Channel, error) {
	return f(ctx, m)
}
