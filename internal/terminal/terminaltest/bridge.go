// Package terminaltest provides an in-process Geidea bridge simulator.
package terminaltest

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/pos-terminal/internal/models"
	"github.com/akylbek/payment-system/pos-terminal/internal/telemetry"
	"github.com/akylbek/payment-system/pos-terminal/internal/terminal"
)

// Script returns the frames the bridge answers a purchase with.
type Script func(p terminal.PurchaseFrame) []any

// Message is one frame the bridge received.
type Message struct {
	ConnID    int
	Event     string
	Operation string
	Raw       json.RawMessage
}

type peer struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (p *peer) write(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Bridge speaks the terminal bridge protocol on /messages.
type Bridge struct {
	Script Script

	// Delay is applied before each scripted reply.
	Delay time.Duration

	// HoldClose keeps connections open after a close frame, so clients hit their
	// fallback timeout.
	HoldClose bool

	upgrader websocket.Upgrader
	server   *httptest.Server
	stop     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	received []Message
	peers    map[int]*peer
	nextID   int
	maxOpen  int
}

func New(script Script) *Bridge {
	return &Bridge{
		Script: script,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		stop:  make(chan struct{}),
		peers: make(map[int]*peer),
	}
}

// Start serves the bridge on a local test server.
func (b *Bridge) Start() *Bridge {
	b.server = httptest.NewServer(b)
	return b
}

func (b *Bridge) Close() {
	b.stopOnce.Do(func() { close(b.stop) })

	// Upgraded connections are hijacked, the test server does not track them.
	b.mu.Lock()
	for _, p := range b.peers {
		_ = p.conn.Close()
	}
	b.mu.Unlock()

	if b.server != nil {
		b.server.CloseClientConnections()
		b.server.Close()
	}
}

// Method returns a valid serial-mode payment method pointing at the bridge.
func (b *Bridge) Method(id string) models.PaymentMethod {
	host, port := "localhost", 0
	if b.server != nil {
		if u, err := url.Parse(b.server.URL); err == nil {
			h, p, _ := net.SplitHostPort(u.Host)
			host = h
			port, _ = strconv.Atoi(p)
		}
	}
	return models.PaymentMethod{
		ID:             id,
		Name:           "Geidea " + id,
		Terminal:       models.TerminalGeidea,
		Host:           host,
		Port:           port,
		ConnectionMode: models.ModeSerial,
		ComName:        "COM3",
	}.WithDefaults()
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/messages" {
		http.NotFound(w, r)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		telemetry.Logger.Warn("Bridge upgrade failed", zap.Error(err))
		return
	}
	p := &peer{conn: conn}
	id := b.register(p)
	defer func() {
		b.unregister(id)
		_ = conn.Close()
	}()

	if b.HoldClose {
		conn.SetCloseHandler(func(int, string) error { return nil })
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if b.HoldClose {
				<-b.stop
			}
			return
		}

		var head struct {
			Event     string `json:"Event"`
			Operation string `json:"Operation"`
		}
		_ = json.Unmarshal(data, &head)
		b.record(Message{ConnID: id, Event: head.Event, Operation: head.Operation, Raw: append(json.RawMessage{}, data...)})

		if head.Operation != terminal.OperationPurchase || b.Script == nil {
			continue
		}
		var purchase terminal.PurchaseFrame
		if err := json.Unmarshal(data, &purchase); err != nil {
			continue
		}
		for _, reply := range b.Script(purchase) {
			if b.Delay > 0 {
				time.Sleep(b.Delay)
			}
			if err := p.write(reply); err != nil {
				telemetry.Logger.Debug("Bridge reply failed", zap.Error(err))
				break
			}
		}
	}
}

// Push sends frame to every open connection, e.g. a late frame after a reset.
func (b *Bridge) Push(frame any) int {
	b.mu.Lock()
	peers := make([]*peer, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.Unlock()

	sent := 0
	for _, p := range peers {
		if err := p.write(frame); err == nil {
			sent++
		}
	}
	return sent
}

func (b *Bridge) Received() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.received...)
}

// Operations lists received operations in arrival order.
func (b *Bridge) Operations() []string {
	var ops []string
	for _, m := range b.Received() {
		ops = append(ops, m.Operation)
	}
	return ops
}

func (b *Bridge) OpenConns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

func (b *Bridge) MaxOpen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxOpen
}

func (b *Bridge) register(p *peer) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.peers[b.nextID] = p
	if len(b.peers) > b.maxOpen {
		b.maxOpen = len(b.peers)
	}
	return b.nextID
}

func (b *Bridge) unregister(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, id)
}

func (b *Bridge) record(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.received = append(b.received, m)
}
