// Package syncclient keeps a client connected to the checklist hub: it
// reconnects with backoff, re-joins every group the caller asked for, filters
// the caller's own echoes and dispatches events to registered handlers.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"

	"checklist/api/internal/event"
	"checklist/api/internal/util"
)

var (
	// ErrTransport wraps hub connection failures. They are recoverable.
	ErrTransport = errors.New("hub transport failure")
	// ErrNotConnected is returned by Join when no connection came up within
	// the join wait. The join intent is kept and asserted on connect.
	ErrNotConnected = errors.New("hub not connected")
	ErrRejected     = errors.New("hub rejected request")
	ErrAckTimeout   = errors.New("hub did not acknowledge request")
	errClosed       = errors.New("channel closed")
)

// Handler receives events that passed the echo filter. Handlers run one at a
// time, in arrival order, on a delivery goroutine separate from the reader,
// so a handler may call Join or Leave and wait for the ack. A slow handler
// delays later events but never acks.
type Handler func(event.Event)

type Options struct {
	// Identity is the signed-in user id (Session.UserID), the same value the
	// API stamps as an event's originator. Identity and ClientID drive echo
	// filtering.
	Identity string
	ClientID string
	// Backoff builds the reconnect policy for each outage. Defaults to
	// NewSchedule.
	Backoff    func() backoff.BackOff
	JoinWait   time.Duration
	AckTimeout time.Duration
	Logger     *log.Logger
}

type pendingAck struct {
	ch chan ackResult
}

type ackResult struct {
	frame event.ServerFrame
	err   error
}

// Channel owns one hub connection for the process.
type Channel struct {
	dialer Dialer
	opts   Options
	filter *EchoFilter
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	retry  chan struct{}

	// sendMu orders join and leave frames on the wire. It is taken before mu.
	sendMu sync.Mutex

	queueMu sync.Mutex
	queue   []event.Event
	wake    chan struct{}

	mu            sync.Mutex
	state         State
	changed       chan struct{}
	closed        bool
	lastErr       error
	transport     Transport
	intents       map[string]struct{}
	pending       map[string]pendingAck
	handlers      map[event.Kind]map[uint64]Handler
	stateHandlers map[uint64]func(State)
	nextID        uint64
}

// NewChannel starts connecting in the background and returns immediately.
func NewChannel(dialer Dialer, opts Options) *Channel {
	if opts.Backoff == nil {
		opts.Backoff = func() backoff.BackOff { return NewSchedule() }
	}
	if opts.JoinWait <= 0 {
		opts.JoinWait = 5 * time.Second
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		dialer:        dialer,
		opts:          opts,
		filter:        NewEchoFilter(opts.Identity, opts.ClientID),
		logger:        opts.Logger.WithPrefix("sync"),
		ctx:           ctx,
		cancel:        cancel,
		retry:         make(chan struct{}, 1),
		wake:          make(chan struct{}, 1),
		state:         StateDisconnected,
		changed:       make(chan struct{}),
		intents:       map[string]struct{}{},
		pending:       map[string]pendingAck{},
		handlers:      map[event.Kind]map[uint64]Handler{},
		stateHandlers: map[uint64]func(State){},
	}
	c.apply(SignalStart)

	c.wg.Add(1)
	go c.run()
	// deliver is not tracked by wg so a handler may call Close.
	go c.deliver()
	return c
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the most recent transport failure, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Groups returns the current join intents, sorted.
func (c *Channel) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	groups := make([]string, 0, len(c.intents))
	for group := range c.intents {
		groups = append(groups, group)
	}
	sort.Strings(groups)
	return groups
}

// On registers handler for kind; an empty kind receives every event. The
// returned func unregisters it.
func (c *Channel) On(kind event.Kind, handler Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[kind] == nil {
		c.handlers[kind] = map[uint64]Handler{}
	}
	c.handlers[kind][id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[kind], id)
		if len(c.handlers[kind]) == 0 {
			delete(c.handlers, kind)
		}
	}
}

// OnStateChange registers fn for every state transition.
func (c *Channel) OnStateChange(fn func(State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.stateHandlers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateHandlers, id)
	}
}

// Join records the intent to watch group and asks the hub to add this
// connection. While a connection attempt is under way it waits up to
// JoinWait for it. After Close it is a no-op.
func (c *Channel) Join(ctx context.Context, group string) error {
	group = strings.TrimSpace(group)
	if group == "" {
		return errors.New("group is required")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.intents[group] = struct{}{}
	c.mu.Unlock()

	transport, err := c.awaitConnected(ctx)
	if err != nil {
		if errors.Is(err, errClosed) {
			return nil
		}
		return err
	}

	c.sendMu.Lock()
	if !c.wants(group) {
		// A Leave for group went out first.
		c.sendMu.Unlock()
		return nil
	}
	requestID, p, err := c.send(ctx, transport, event.ClientFrame{Type: event.FrameJoin, Group: group})
	c.sendMu.Unlock()
	if err == nil {
		err = c.await(ctx, requestID, p)
	}
	if errors.Is(err, errClosed) {
		return nil
	}
	return err
}

// Leave drops the intent for group. When connected the hub is told too. A
// re-join racing with Leave is either sent before the leave frame or not at
// all.
func (c *Channel) Leave(ctx context.Context, group string) error {
	group = strings.TrimSpace(group)
	c.sendMu.Lock()
	c.mu.Lock()
	delete(c.intents, group)
	transport := c.transport
	connected := c.state == StateConnected && !c.closed
	c.mu.Unlock()
	if !connected || transport == nil {
		c.sendMu.Unlock()
		return nil
	}
	requestID, p, err := c.send(ctx, transport, event.ClientFrame{Type: event.FrameLeave, Group: group})
	c.sendMu.Unlock()
	if err == nil {
		err = c.await(ctx, requestID, p)
	}
	if errors.Is(err, errClosed) {
		return nil
	}
	return err
}

func (c *Channel) wants(group string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.intents[group]
	return ok && !c.closed
}

// Retry starts a new connection attempt after the channel gave up. It does
// nothing unless the channel is disconnected.
func (c *Channel) Retry() {
	c.mu.Lock()
	idle := c.state == StateDisconnected && !c.closed
	c.mu.Unlock()
	if !idle {
		return
	}
	select {
	case c.retry <- struct{}{}:
	default:
	}
}

// Close tears the channel down. In-flight joins return without error.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	transport := c.transport
	c.mu.Unlock()

	c.cancel()
	if transport != nil {
		_ = transport.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *Channel) run() {
	defer c.wg.Done()
	defer c.apply(SignalStop)

	for {
		transport, err := c.dialer.Dial(c.ctx)
		if err != nil {
			// Close cancelled the dial; nothing to report.
			if c.ctx.Err() != nil {
				return
			}
			c.fail(err)
			c.apply(SignalHandshakeFailed)
			c.logger.Warn("hub connection failed", "err", err)
			if !c.waitRetry() {
				return
			}
			c.apply(SignalStart)
			continue
		}

		if !c.serve(transport) {
			return
		}
		if !c.waitRetry() {
			return
		}
		c.apply(SignalStart)
	}
}

// serve runs a connected transport, reconnecting on interruption. It returns
// false when the channel is closing and true when reconnection gave up.
func (c *Channel) serve(transport Transport) bool {
	for {
		done := c.attach(transport)
		select {
		case err := <-done:
			c.detach(transport)
			if c.ctx.Err() != nil {
				return false
			}
			c.fail(err)
			c.apply(SignalInterrupted)
			c.logger.Warn("hub connection lost", "err", err)
		case <-c.ctx.Done():
			c.detach(transport)
			return false
		}

		next, ok := c.reconnect()
		if !ok {
			if c.ctx.Err() != nil {
				return false
			}
			c.apply(SignalExhausted)
			c.logger.Warn("hub reconnection gave up")
			return true
		}
		transport = next
	}
}

// attach installs transport, starts its reader and re-asserts every join
// intent.
func (c *Channel) attach(transport Transport) <-chan error {
	done := make(chan error, 1)
	c.mu.Lock()
	c.transport = transport
	c.lastErr = nil
	c.mu.Unlock()

	go c.readLoop(transport, done)
	c.apply(SignalHandshakeOK)
	c.reassert(transport)
	return done
}

func (c *Channel) detach(transport Transport) {
	_ = transport.Close()
	c.mu.Lock()
	if c.transport == transport {
		c.transport = nil
	}
	pending := c.pending
	c.pending = map[string]pendingAck{}
	c.mu.Unlock()

	for _, p := range pending {
		p.ch <- ackResult{err: ErrTransport}
	}
}

// reassert re-sends a join for every intent. Each intent is checked again
// under sendMu so a group left meanwhile is skipped.
func (c *Channel) reassert(transport Transport) {
	for _, group := range c.Groups() {
		c.sendMu.Lock()
		if !c.wants(group) {
			c.sendMu.Unlock()
			continue
		}
		err := transport.Send(c.ctx, event.ClientFrame{Type: event.FrameJoin, Group: group})
		c.sendMu.Unlock()
		if err != nil {
			c.logger.Warn("re-join failed", "group", group, "err", err)
			return
		}
	}
}

func (c *Channel) reconnect() (Transport, bool) {
	policy := backoff.WithContext(c.opts.Backoff(), c.ctx)
	for attempt := 1; ; attempt++ {
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return nil, false
		}
		if !c.sleep(wait) {
			return nil, false
		}
		transport, err := c.dialer.Dial(c.ctx)
		if err == nil {
			return transport, true
		}
		if c.ctx.Err() != nil {
			return nil, false
		}
		c.fail(err)
		c.apply(SignalHandshakeFailed)
		c.logger.Debug("reconnect attempt failed", "attempt", attempt, "err", err)
	}
}

func (c *Channel) sleep(d time.Duration) bool {
	if d <= 0 {
		return c.ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Channel) waitRetry() bool {
	select {
	case <-c.retry:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Channel) readLoop(transport Transport, done chan<- error) {
	for {
		frame, err := transport.Receive(c.ctx)
		if err != nil {
			done <- err
			return
		}
		c.dispatch(frame)
	}
}

func (c *Channel) dispatch(frame event.ServerFrame) {
	switch frame.Type {
	case event.FrameAck, event.FramePong:
		if frame.RequestID == "" {
			if frame.OK != nil && !*frame.OK {
				c.logger.Warn("hub rejected frame", "err", frame.Error)
			}
			return
		}
		c.mu.Lock()
		p, ok := c.pending[frame.RequestID]
		delete(c.pending, frame.RequestID)
		c.mu.Unlock()
		if ok {
			p.ch <- ackResult{frame: frame}
		}
	case event.FrameEvent:
		if frame.Event == nil {
			return
		}
		ev := *frame.Event
		if !c.filter.ShouldApply(ev) {
			return
		}
		c.enqueue(ev)
	default:
		c.logger.Debug("ignoring frame", "type", frame.Type)
	}
}

func (c *Channel) enqueue(ev event.Event) {
	c.queueMu.Lock()
	c.queue = append(c.queue, ev)
	c.queueMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// deliver drains the event queue into handlers until the channel closes.
func (c *Channel) deliver() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}
		for {
			c.queueMu.Lock()
			if len(c.queue) == 0 {
				c.queueMu.Unlock()
				break
			}
			ev := c.queue[0]
			c.queue[0] = event.Event{}
			c.queue = c.queue[1:]
			c.queueMu.Unlock()

			if c.ctx.Err() != nil {
				return
			}
			for _, handler := range c.handlersFor(ev.Kind) {
				handler(ev)
			}
		}
	}
}

func (c *Channel) handlersFor(kind event.Kind) []Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Handler
	for _, handler := range c.handlers[kind] {
		out = append(out, handler)
	}
	if kind != "" {
		for _, handler := range c.handlers[""] {
			out = append(out, handler)
		}
	}
	return out
}

func (c *Channel) awaitConnected(ctx context.Context) (Transport, error) {
	timer := time.NewTimer(c.opts.JoinWait)
	defer timer.Stop()
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, errClosed
		}
		switch c.state {
		case StateConnected:
			transport := c.transport
			c.mu.Unlock()
			if transport != nil {
				return transport, nil
			}
			return nil, ErrNotConnected
		case StateDisconnected:
			c.mu.Unlock()
			return nil, ErrNotConnected
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return nil, ErrNotConnected
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ctx.Done():
			return nil, errClosed
		}
	}
}

// send registers an ack slot for frame and writes it. The caller holds
// sendMu.
func (c *Channel) send(ctx context.Context, transport Transport, frame event.ClientFrame) (string, pendingAck, error) {
	frame.RequestID = util.NewID("req")
	p := pendingAck{ch: make(chan ackResult, 1)}
	c.mu.Lock()
	c.pending[frame.RequestID] = p
	c.mu.Unlock()

	if err := transport.Send(ctx, frame); err != nil {
		c.forget(frame.RequestID)
		if c.ctx.Err() != nil {
			return "", p, errClosed
		}
		return "", p, fmt.Errorf("%w: send %s: %v", ErrTransport, frame.Type, err)
	}
	return frame.RequestID, p, nil
}

func (c *Channel) forget(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// await waits for the ack of a frame written by send.
func (c *Channel) await(ctx context.Context, requestID string, p pendingAck) error {
	forget := func() { c.forget(requestID) }

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()
	select {
	case res := <-p.ch:
		if res.err != nil {
			if c.ctx.Err() != nil {
				return errClosed
			}
			return res.err
		}
		if res.frame.OK != nil && !*res.frame.OK {
			return fmt.Errorf("%w: %s", ErrRejected, res.frame.Error)
		}
		return nil
	case <-timer.C:
		forget()
		return ErrAckTimeout
	case <-ctx.Done():
		forget()
		return ctx.Err()
	case <-c.ctx.Done():
		forget()
		return errClosed
	}
}

func (c *Channel) fail(err error) {
	c.mu.Lock()
	c.lastErr = fmt.Errorf("%w: %v", ErrTransport, err)
	c.mu.Unlock()
}

// apply feeds sig to the state machine and notifies state handlers when the
// state moves.
func (c *Channel) apply(sig Signal) {
	c.mu.Lock()
	next, ok := Next(c.state, sig)
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("ignored signal", "state", c.state, "signal", sig)
		return
	}
	if next == c.state {
		c.mu.Unlock()
		return
	}
	c.state = next
	close(c.changed)
	c.changed = make(chan struct{})
	handlers := make([]func(State), 0, len(c.stateHandlers))
	for _, fn := range c.stateHandlers {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()

	c.logger.Debug("state changed", "state", next, "signal", sig)
	for _, fn := range handlers {
		fn(next)
	}
}
