package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/pos-terminal/internal/events"
	"github.com/akylbek/payment-system/pos-terminal/internal/models"
	"github.com/akylbek/payment-system/pos-terminal/internal/pos"
	"github.com/akylbek/payment-system/pos-terminal/internal/terminal"
	"github.com/akylbek/payment-system/pos-terminal/internal/terminal/terminaltest"
)

type fakeChannel struct {
	mu      sync.Mutex
	owner   string
	h       terminal.Handler
	sent    []any
	sendErr error

	done      chan struct{}
	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{done: make(chan struct{})}
}

func (c *fakeChannel) Send(_ context.Context, frame any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, frame)
	return c.sendErr
}

func (c *fakeChannel) OnFrame(owner string, h terminal.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner, c.h = owner, h
}

func (c *fakeChannel) Close(context.Context) error {
	c.OnFrame("", nil)
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeChannel) Done() <-chan struct{} { return c.done }

func (c *fakeChannel) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// deliver reports whether a handler was installed.
func (c *fakeChannel) deliver(in terminal.Inbound) bool {
	c.mu.Lock()
	h, owner := c.h, c.owner
	c.mu.Unlock()
	if h == nil {
		return false
	}
	in.SessionID = owner
	h(in)
	return true
}

func (c *fakeChannel) purchases() []terminal.PurchaseFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []terminal.PurchaseFrame
	for _, f := range c.sent {
		if p, ok := f.(terminal.PurchaseFrame); ok {
			out = append(out, p)
		}
	}
	return out
}

type fakeOpener struct {
	mu    sync.Mutex
	chans []*fakeChannel
	err   error
}

func (o *fakeOpener) Open(context.Context, models.PaymentMethod) (terminal.Channel, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	ch := newFakeChannel()
	o.chans = append(o.chans, ch)
	return ch, nil
}

func (o *fakeOpener) opened() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.chans)
}

func (o *fakeOpener) last() *fakeChannel {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.chans[len(o.chans)-1]
}

type noticeLog struct {
	mu      sync.Mutex
	notices []models.Notice
}

func (n *noticeLog) Notify(x models.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, x)
}

func (n *noticeLog) all() []models.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Notice(nil), n.notices...)
}

func method() models.PaymentMethod {
	return models.PaymentMethod{
		ID: "geidea", Terminal: models.TerminalGeidea, Port: 8181,
		ConnectionMode: models.ModeSerial, ComName: "COM3",
	}.WithDefaults()
}

type fixture struct {
	opener  *fakeOpener
	line    *pos.PaymentLine
	sink    *events.Recorder
	notices *noticeLog
}

func newFixture(amount string) *fixture {
	return &fixture{
		opener:  &fakeOpener{},
		line:    pos.NewPaymentLine("order-1", method(), decimal.RequireFromString(amount)),
		sink:    &events.Recorder{},
		notices: &noticeLog{},
	}
}

func (f *fixture) session(m models.PaymentMethod) *Session {
	return New(Config{
		Method:   m,
		Opener:   f.opener,
		Line:     f.line,
		OrderRef: "order-1",
		Sink:     f.sink,
		Notifier: f.notices,
	})
}

func approvedFrame(t *testing.T) terminal.Frame {
	t.Helper()
	frame, err := terminal.NewDataReceiveFrame(terminaltest.SampleResult())
	require.NoError(t, err)
	return frame
}

func wait(t *testing.T, s *Session) models.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := s.Wait(ctx)
	require.NoError(t, err)
	return out
}

func TestSession_Approved(t *testing.T) {
	f := newFixture("25.5")
	s := f.session(method())

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, models.StateWaiting, s.State())
	assert.Equal(t, models.LineWaiting, f.line.Status())

	ch := f.opener.last()
	p := ch.purchases()
	require.Len(t, p, 1)
	assert.Equal(t, "25.50", p[0].Amount)
	assert.Equal(t, "order-1", p[0].ECRNumber)
	assert.Equal(t, "1", p[0].PrintSettings)
	assert.Equal(t, "11", p[0].AppID)

	require.True(t, ch.deliver(terminal.Inbound{Frame: approvedFrame(t)}))

	out := wait(t, s)
	assert.Equal(t, models.StateApproved, out.State)
	assert.Equal(t, models.LineApproved, out.LineStatus)
	assert.False(t, out.Retryable)
	require.NotNil(t, out.Transaction)
	assert.Equal(t, "512300123456", out.Transaction.RRN)
	assert.Equal(t, "A1B2C3", out.Transaction.AuthCode)
	assert.Equal(t, "66100011", out.Transaction.TerminalID)
	assert.Equal(t, "VISA", out.Transaction.CardType)
	assert.Equal(t, "250503173311", out.Transaction.TransactionDate)

	rec, ok := f.line.Transaction()
	require.True(t, ok)
	assert.Equal(t, "************4242", rec.CardNumber)
	assert.Equal(t, models.LineApproved, f.line.Status())
	assert.True(t, ch.closed())
	assert.Empty(t, f.notices.all())

	var states []models.SessionState
	for _, c := range f.sink.StateChanges() {
		states = append(states, c.To)
	}
	assert.Equal(t, []models.SessionState{models.StateConnecting, models.StateWaiting, models.StateApproved}, states)

	// nothing moves an approved session
	assert.False(t, ch.deliver(terminal.Inbound{Frame: terminal.Frame{Event: terminal.EventError}}))
	s.handle(terminal.Inbound{SessionID: s.ID(), Frame: terminal.Frame{Event: terminal.EventError}})
	assert.Equal(t, models.StateApproved, s.State())
}

func TestSession_BusyThenRetry(t *testing.T) {
	f := newFixture("10")
	first := f.session(method())
	require.NoError(t, first.Start(context.Background()))

	ch := f.opener.last()
	ch.deliver(terminal.Inbound{Frame: terminal.Frame{Event: terminal.EventTerminalStatus, TerminalStatus: terminal.StatusBusy}})

	out := wait(t, first)
	assert.Equal(t, models.StateTerminalBusy, out.State)
	assert.True(t, out.Retryable)
	assert.Equal(t, ReasonBusy, out.Reason)
	assert.Equal(t, models.LineRetryNeeded, f.line.Status())
	assert.True(t, ch.closed())

	notices := f.notices.all()
	require.Len(t, notices, 1)
	assert.Equal(t, models.NoticeError, notices[0].Severity)
	assert.Equal(t, "Payment Error", notices[0].Title)
	assert.Equal(t, ReasonBusy, notices[0].Body)

	require.NoError(t, first.Reset(context.Background()))
	assert.Equal(t, models.StatePending, first.State())
	assert.ErrorIs(t, first.Start(context.Background()), ErrRetired)

	second := f.session(method())
	require.NoError(t, second.Start(context.Background()))
	f.opener.last().deliver(terminal.Inbound{Frame: approvedFrame(t)})
	assert.Equal(t, models.StateApproved, wait(t, second).State)
	assert.Equal(t, 2, f.opener.opened())
}

func TestSession_StaleFrameAfterReset(t *testing.T) {
	f := newFixture("10")
	old := f.session(method())
	require.NoError(t, old.Start(context.Background()))
	oldCh := f.opener.last()

	require.NoError(t, old.Reset(context.Background()))
	assert.Equal(t, models.StatePending, old.State())
	assert.Equal(t, models.LineRetryNeeded, f.line.Status())
	assert.True(t, oldCh.closed())

	next := f.session(method())
	require.NoError(t, next.Start(context.Background()))
	assert.Equal(t, models.LineWaiting, f.line.Status())

	// late approval for the reset attempt
	assert.False(t, oldCh.deliver(terminal.Inbound{Frame: approvedFrame(t)}))
	old.handle(terminal.Inbound{SessionID: old.ID(), Frame: approvedFrame(t)})
	next.handle(terminal.Inbound{SessionID: old.ID(), Frame: approvedFrame(t)})

	assert.Equal(t, models.StateWaiting, next.State())
	assert.Equal(t, models.LineWaiting, f.line.Status())
	_, ok := f.line.Transaction()
	assert.False(t, ok)
}

func TestSession_ConfigErrorOpensNothing(t *testing.T) {
	f := newFixture("10")
	m := method()
	m.Port = 0
	s := f.session(m)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrConfig))

	out := wait(t, s)
	assert.Equal(t, models.StateConfigError, out.State)
	assert.Equal(t, "payment method geidea: terminal port not configured", out.Reason)
	assert.Equal(t, 0, f.opener.opened())
	assert.Equal(t, models.LineRetryNeeded, f.line.Status())

	notices := f.notices.all()
	require.Len(t, notices, 1)
	assert.Equal(t, "Configuration Error", notices[0].Title)
}

func TestSession_OpenFailure(t *testing.T) {
	f := newFixture("10")
	f.opener.err = &terminal.ConnectionError{URL: "ws://localhost:8181/messages", Err: errors.New("refused")}
	s := f.session(method())

	err := s.Start(context.Background())
	var connErr *terminal.ConnectionError
	assert.ErrorAs(t, err, &connErr)

	out := wait(t, s)
	assert.Equal(t, models.StateCommError, out.State)
	assert.Equal(t, ReasonCommFailed, out.Reason)
}

func TestSession_SendFailure(t *testing.T) {
	f := newFixture("10")
	f.opener = &fakeOpener{}
	s := f.session(method())

	opener := terminal.OpenerFunc(func(ctx context.Context, m models.PaymentMethod) (terminal.Channel, error) {
		ch := newFakeChannel()
		ch.sendErr = terminal.ErrChannelClosed
		return ch, nil
	})
	s.cfg.Opener = opener

	assert.ErrorIs(t, s.Start(context.Background()), terminal.ErrChannelClosed)
	assert.Equal(t, models.StateCommError, wait(t, s).State)
}

func TestSession_TransitionTable(t *testing.T) {
	tests := []struct {
		name   string
		in     terminal.Inbound
		state  models.SessionState
		reason string
	}{
		{"declined", terminal.Inbound{Frame: mustResult(t, terminal.TransactionResult{TransactionResponseEnglish: "DECLINED"})},
			models.StateDeclined, ReasonDeclined},
		{"terminal error", terminal.Inbound{Frame: terminal.Frame{Event: terminal.EventError}},
			models.StateCommError, ReasonTerminalError},
		{"card read error", terminal.Inbound{Frame: terminal.Frame{Event: terminal.EventTerminalAction, TerminalAction: terminal.ActionCardReadError, OptionalMessage: "Card removed"}},
			models.StateUserCancelled, "Card removed"},
		{"idle screen", terminal.Inbound{Frame: terminal.Frame{Event: terminal.EventTerminalAction, TerminalAction: terminal.ActionIdleScreen}},
			models.StateUserCancelled, "Terminal Error: IDLE_SCREEN"},
		{"user cancelled", terminal.Inbound{Frame: terminal.Frame{Event: terminal.EventTerminalAction, TerminalAction: terminal.ActionUserCancelled}},
			models.StateUserCancelled, ReasonUserCancelled},
		{"malformed", terminal.Inbound{Err: terminal.ErrMalformedFrame},
			models.StateCommError, ReasonInvalidResult},
		{"garbage result", terminal.Inbound{Frame: terminal.Frame{Event: terminal.EventDataReceive, JSONResult: []byte(`"not json"`)}},
			models.StateCommError, ReasonInvalidResult},
		{"connection lost", terminal.Inbound{Err: terminal.ErrConnectionLost},
			models.StateCommError, ReasonCommFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture("10")
			s := f.session(method())
			require.NoError(t, s.Start(context.Background()))
			ch := f.opener.last()

			require.True(t, ch.deliver(tt.in))
			out := wait(t, s)
			assert.Equal(t, tt.state, out.State)
			assert.Equal(t, tt.reason, out.Reason)
			assert.Equal(t, models.LineRetryNeeded, f.line.Status())
			assert.Nil(t, out.Transaction)
			assert.True(t, ch.closed())
		})
	}
}

func TestSession_IgnoredFrames(t *testing.T) {
	f := newFixture("10")
	s := f.session(method())
	require.NoError(t, s.Start(context.Background()))
	ch := f.opener.last()

	ch.deliver(terminal.Inbound{Frame: terminal.Frame{Event: terminal.EventTerminalStatus, TerminalStatus: "READY"}})
	ch.deliver(terminal.Inbound{Frame: mustResult(t, terminal.TransactionResult{})})
	ch.deliver(terminal.Inbound{Frame: terminal.Frame{Event: terminal.EventTerminalAction, TerminalAction: "INSERT_CARD"}})
	ch.deliver(terminal.Inbound{Frame: terminal.Frame{Event: "OnSomethingElse"}})

	assert.Equal(t, models.StateWaiting, s.State())
	assert.False(t, ch.closed())
	select {
	case <-s.Done():
		t.Fatal("session finished on an ignored frame")
	default:
	}
}

func TestSession_ResponseTimeout(t *testing.T) {
	f := newFixture("10")
	s := New(Config{
		Method: method(), Opener: f.opener, Line: f.line, OrderRef: "order-1",
		ResponseTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, s.Start(context.Background()))

	out := wait(t, s)
	assert.Equal(t, models.StateCommError, out.State)
	assert.Equal(t, ReasonNoResponse, out.Reason)
}

func TestSession_StartOnceAndCancelAdvice(t *testing.T) {
	f := newFixture("10")
	s := f.session(method())
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	assert.Equal(t, CancelAdvice, s.RequestCancel())
	assert.Equal(t, models.StateWaiting, s.State())
	notices := f.notices.all()
	require.Len(t, notices, 1)
	assert.Equal(t, models.NoticeInfo, notices[0].Severity)
}

func TestSession_ApprovedLineCannotRestart(t *testing.T) {
	f := newFixture("10")
	s := f.session(method())
	require.NoError(t, s.Start(context.Background()))
	f.opener.last().deliver(terminal.Inbound{Frame: approvedFrame(t)})
	wait(t, s)

	again := f.session(method())
	assert.ErrorIs(t, again.Start(context.Background()), pos.ErrLineFinal)
	assert.Equal(t, 1, f.opener.opened())
	<-again.Done()
}

func TestSession_EndToEndOverBridge(t *testing.T) {
	bridge := terminaltest.New(terminaltest.Approve(terminaltest.SampleResult())).Start()
	defer bridge.Close()

	m := bridge.Method("geidea")
	line := pos.NewPaymentLine("order-9", m, decimal.RequireFromString("25.50"))
	s := New(Config{Method: m, Opener: terminal.NewWSOpener(), Line: line, OrderRef: "order-9"})

	require.NoError(t, s.Start(context.Background()))
	out := wait(t, s)

	require.Equal(t, models.StateApproved, out.State)
	assert.Equal(t, "512300123456", out.Transaction.RRN)
	assert.Equal(t, models.LineApproved, line.Status())
	assert.Equal(t, []string{terminal.OperationConnect, terminal.OperationPurchase, terminal.OperationDisconnect}, bridge.Operations())
}

func TestSession_EndToEndBusy(t *testing.T) {
	bridge := terminaltest.New(terminaltest.Busy()).Start()
	defer bridge.Close()

	m := bridge.Method("geidea")
	line := pos.NewPaymentLine("order-9", m, decimal.NewFromInt(5))
	s := New(Config{Method: m, Opener: terminal.NewWSOpener(), Line: line, OrderRef: "order-9"})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, models.StateTerminalBusy, wait(t, s).State)
	assert.Equal(t, models.LineRetryNeeded, line.Status())
}

func mustResult(t *testing.T, r terminal.TransactionResult) terminal.Frame {
	t.Helper()
	frame, err := terminal.NewDataReceiveFrame(r)
	require.NoError(t, err)
	return frame
}

// stallingOpener blocks in Open until released. With honorCtx it gives up
// when the open is aborted; otherwise it hands out a channel regardless.
type stallingOpener struct {
	honorCtx bool
	entered  chan struct{}
	release  chan struct{}
	ch       *fakeChannel
}

func newStallingOpener(honorCtx bool) *stallingOpener {
	return &stallingOpener{
		honorCtx: honorCtx,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
		ch:       newFakeChannel(),
	}
}

func (o *stallingOpener) Open(ctx context.Context, _ models.PaymentMethod) (terminal.Channel, error) {
	close(o.entered)
	if o.honorCtx {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-o.release:
		}
	} else {
		<-o.release
	}
	return o.ch, nil
}

func TestSession_ResetAbortsOpen(t *testing.T) {
	f := newFixture("10")
	opener := newStallingOpener(true)
	s := New(Config{Method: method(), Opener: opener, Line: f.line, OrderRef: "order-1"})

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background()) }()
	<-opener.entered
	assert.Equal(t, models.StateConnecting, s.State())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Reset(ctx))

	assert.Equal(t, models.StatePending, s.State())
	assert.Equal(t, models.LineRetryNeeded, f.line.Status())
	assert.ErrorIs(t, <-started, ErrRetired)
	assert.False(t, opener.ch.closed(), "aborted open handed out no channel")
}

func TestSession_ResetClosesLateChannel(t *testing.T) {
	f := newFixture("10")
	opener := newStallingOpener(false)
	s := New(Config{Method: method(), Opener: opener, Line: f.line, OrderRef: "order-1"})

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background()) }()
	<-opener.entered

	reset := make(chan error, 1)
	go func() { reset <- s.Reset(context.Background()) }()

	// the line is released before the open returns
	require.Eventually(t, func() bool { return f.line.Status() == models.LineRetryNeeded }, time.Second, 5*time.Millisecond)
	select {
	case <-s.Done():
		t.Fatal("released while the channel is still opening")
	default:
	}

	close(opener.release)
	require.NoError(t, <-reset)
	assert.ErrorIs(t, <-started, ErrRetired)
	assert.True(t, opener.ch.closed())
	assert.Empty(t, opener.ch.purchases())
}

func TestSession_ResetBeforeStart(t *testing.T) {
	f := newFixture("10")
	s := f.session(method())

	require.NoError(t, s.Reset(context.Background()))
	assert.Equal(t, models.LineRetryNeeded, f.line.Status())
	assert.ErrorIs(t, s.Start(context.Background()), ErrRetired)
	assert.Zero(t, f.opener.opened())
	waitClosed(t, s.Done())
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}
