package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/pos-terminal/internal/models"
	"github.com/akylbek/payment-system/pos-terminal/internal/telemetry"
)

// BridgeURL is the local websocket endpoint of the terminal bridge for m.
func BridgeURL(m models.PaymentMethod) string {
	host := m.Host
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("ws://%s/messages", net.JoinHostPort(host, strconv.Itoa(m.Port)))
}

// WSOpener opens channels over the bridge websocket.
type WSOpener struct {
	Dialer       *websocket.Dialer
	CloseTimeout time.Duration
}

func NewWSOpener() *WSOpener {
	return &WSOpener{Dialer: websocket.DefaultDialer, CloseTimeout: CloseTimeout}
}

func (o *WSOpener) Open(ctx context.Context, m models.PaymentMethod) (Channel, error) {
	url := BridgeURL(m)
	dialer := o.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &ConnectionError{URL: url, Err: err}
	}

	timeout := o.CloseTimeout
	if timeout <= 0 {
		timeout = CloseTimeout
	}
	ch := newWSChannel(conn, timeout)

	if err := ch.Send(ctx, NewConnectFrame(m)); err != nil {
		_ = conn.Close()
		<-ch.done
		return nil, &ConnectionError{URL: url, Err: err}
	}

	telemetry.Logger.Info("Terminal channel opened",
		zap.String("method_id", m.ID),
		zap.String("url", url),
		zap.String("connection_mode", string(m.ConnectionMode)),
	)
	return ch, nil
}

type wsChannel struct {
	conn         *websocket.Conn
	closeTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	owner   string
	handler Handler
	closing bool

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func newWSChannel(conn *websocket.Conn, closeTimeout time.Duration) *wsChannel {
	c := &wsChannel{
		conn:         conn,
		closeTimeout: closeTimeout,
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *wsChannel) Done() <-chan struct{} { return c.done }

func (c *wsChannel) OnFrame(owner string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		owner = ""
	}
	c.owner, c.handler = owner, h
}

func (c *wsChannel) Send(ctx context.Context, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return ErrChannelClosed
	}
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	return nil
}

func (c *wsChannel) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if !closing {
				c.deliver(Inbound{Err: fmt.Errorf("%w: %v", ErrConnectionLost, err)})
			}
			return
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			c.deliver(Inbound{Err: err})
			continue
		}
		c.deliver(Inbound{Frame: frame})
	}
}

func (c *wsChannel) deliver(in Inbound) {
	c.mu.Lock()
	h, owner := c.handler, c.owner
	c.mu.Unlock()
	if h == nil {
		telemetry.DiscardedFrames.Inc()
		telemetry.Logger.Debug("Dropping terminal frame with no owner", zap.String("event", in.Frame.Event))
		return
	}
	in.SessionID = owner
	h(in)
}

func (c *wsChannel) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.shutdown(ctx)
	})
	return c.closeErr
}

func (c *wsChannel) shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.owner, c.handler = "", nil
	c.closing = true
	c.mu.Unlock()

	select {
	case <-c.done:
		_ = c.conn.Close()
		telemetry.ChannelCloses.WithLabelValues("graceful").Inc()
		return nil
	default:
	}

	deadline := time.Now().Add(c.closeTimeout)
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(deadline)
	if data, err := json.Marshal(NewDisconnectFrame()); err == nil {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			telemetry.Logger.Debug("Disconnect frame not sent", zap.Error(err))
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-c.done:
		_ = c.conn.Close()
		telemetry.ChannelCloses.WithLabelValues("graceful").Inc()
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	_ = c.conn.Close()
	<-c.done
	telemetry.ChannelCloses.WithLabelValues("forced").Inc()
	telemetry.Logger.Warn("Force closing terminal connection")
	return ErrForcedClose
}
