package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
)

// trigger is an input to the failover state machine.
type trigger int

const (
	triggerOpen trigger = iota
	triggerSubscribed
	triggerChannelFailed
	triggerBackoffElapsed
	triggerClose
)

func (t trigger) String() string {
	switch t {
	case triggerOpen:
		return "open"
	case triggerSubscribed:
		return "subscribed"
	case triggerChannelFailed:
		return "channel_failed"
	case triggerBackoffElapsed:
		return "backoff_elapsed"
	case triggerClose:
		return "close"
	default:
		return "unknown"
	}
}

// nextState is the complete transition table. It returns false when the
// trigger does not apply in state s, in which case the trigger is ignored.
// Closed is terminal.
func nextState(s State, t trigger) (State, bool) {
	if s == StateClosed {
		return s, false
	}

	if t == triggerClose {
		return StateClosed, true
	}

	switch s {
	case StateIdle:
		if t == triggerOpen {
			return StateConnecting, true
		}

	case StateConnecting, StateReconnecting:
		switch t {
		case triggerSubscribed:
			return StateLive, true
		case triggerChannelFailed:
			return StateDegraded, true
		}

	case StateLive:
		if t == triggerChannelFailed {
			return StateDegraded, true
		}

	case StateDegraded:
		if t == triggerBackoffElapsed {
			return StateReconnecting, true
		}
	}

	return s, false
}

// Hooks let a chat screen follow the controller. Both run on the
// controller's event loop and must not call Close.
type Hooks struct {
	OnViewChange  func(view []models.Message)
	OnStateChange func(state State)
}

// ControllerConfig holds what a controller needs to sync one conversation.
type ControllerConfig struct {
	ConversationID string
	ViewerID       string
	Store          MessageStore
	Notifier       Notifier
	Timing         Timing
	Hooks          Hooks
}

// Loop inputs besides SessionEvent.
type (
	// seq is the push sequence number when the fetch was started.
	pollResult struct {
		msgs  []models.Message
		err   error
		force bool
		seq   uint64
	}

	receiptResult struct {
		res ReceiptResult
		err error
		seq uint64
	}

	appliedPush struct {
		seq uint64
		ev  models.ChangeEvent
	}

	reloadRequest struct{}
)

// Controller decides whether the conversation is fed by the push channel
// or by polling, and owns every timer involved.
//
// Architecture: channel callbacks, store results and reload requests are
// posted to inbox. A single event loop goroutine (run) consumes inbox and
// the timers, drives the state machine and is the only writer of the
// Reconciler. Store calls run on short-lived goroutines that post their
// results back, so the loop never blocks on I/O.
type Controller struct {
	conversationID string
	viewerID       string
	store          MessageStore
	channels       *ChannelManager
	reconciler     *Reconciler
	receipts       receiptMarker
	timing         Timing
	hooks          Hooks
	logger         *slog.Logger

	inbox chan any
	quit  chan struct{}
	done  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	// ctx is cancelled when the loop stops, aborting in-flight store calls.
	ctx    context.Context
	cancel context.CancelFunc

	// workers tracks store goroutines so Close can wait for them.
	workers sync.WaitGroup

	// published copy of state for readers outside the loop.
	stateMu        sync.RWMutex
	publishedState State

	// Everything below is owned by the event loop goroutine.
	state          State
	session        *SessionHandle
	attempts       int
	pinned         bool
	pollTicker     *time.Ticker
	subscribeTimer *time.Timer
	backoffTimer   *time.Timer
	pollInFlight   bool
	pendingReload  bool
	receiptRunning bool
	receiptQueued  bool

	// pushSeq counts applied push events. Pushes applied while a fetch is
	// in flight are kept in recentPushes and replayed over its snapshot.
	pushSeq      uint64
	recentPushes []appliedPush
}

// NewController creates a controller in the Idle state. Call Start to
// open the conversation.
func NewController(cfg ControllerConfig, logger *slog.Logger) *Controller {
	logger = logger.With(slog.String("conversation_id", cfg.ConversationID))
	ctx, cancel := context.WithCancel(context.Background())

	return &Controller{
		conversationID: cfg.ConversationID,
		viewerID:       cfg.ViewerID,
		store:          cfg.Store,
		channels:       NewChannelManager(cfg.Notifier, logger),
		reconciler:     NewReconciler(cfg.ConversationID),
		receipts:       NewReceiptSync(cfg.Store, logger),
		timing:         cfg.Timing.withDefaults(),
		hooks:          cfg.Hooks,
		logger:         logger,
		inbox:          make(chan any, inboxSize),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start opens the conversation: the channel session is started, the
// subscribe timeout is armed and a read-receipt pass is scheduled. The
// controller closes itself when ctx is cancelled.
func (c *Controller) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		go c.run(ctx)
	})
}

// Close moves the controller to Closed and waits for the event loop and
// any in-flight store calls to finish. Safe to call more than once and
// before Start.
func (c *Controller) Close() {
	c.stop()

	started := true
	c.startOnce.Do(func() {
		started = false

		c.cancel()
		c.setState(StateClosed)
		close(c.done)
	})

	if started {
		<-c.done
	}

	c.workers.Wait()
}

func (c *Controller) stop() {
	c.stopOnce.Do(func() { close(c.quit) })
}

// Done is closed once the controller has shut down.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return c.State() == StateClosed
	}
}

// ConversationID returns the conversation this controller syncs.
func (c *Controller) ConversationID() string {
	return c.conversationID
}

// State returns the current failover state.
func (c *Controller) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	return c.publishedState
}

// Connectivity returns the indicator for the chat screen.
func (c *Controller) Connectivity() Connectivity {
	return c.State().Connectivity()
}

// View returns the current ordered message view.
func (c *Controller) View() []models.Message {
	return c.reconciler.View()
}

// Send stores a new message from the viewer. The message reaches the view
// through the channel or the next poll like any other message.
func (c *Controller) Send(ctx context.Context, body string) (models.Message, error) {
	if c.State() == StateClosed {
		return models.Message{}, chaterrors.ErrSessionClosed
	}

	msg, err := c.store.Insert(ctx, c.conversationID, c.viewerID, body)
	if err != nil {
		return models.Message{}, fmt.Errorf("sending message: %w", err)
	}

	return msg, nil
}

// Reload forces an immediate fetch regardless of state. The result
// replaces the view even when nothing seems to have changed.
func (c *Controller) Reload() error {
	return c.post(reloadRequest{})
}

// post hands an input to the event loop. It gives up once the controller
// is stopping.
func (c *Controller) post(ev any) error {
	select {
	case <-c.quit:
		return chaterrors.ErrSessionClosed
	default:
	}

	select {
	case c.inbox <- ev:
		return nil
	case <-c.quit:
		return chaterrors.ErrSessionClosed
	case <-c.done:
		return chaterrors.ErrSessionClosed
	}
}

func (c *Controller) sessionSink(ev SessionEvent) {
	_ = c.post(ev)
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	c.fire(triggerOpen, nil)

	for {
		// Close wins over anything else that is ready.
		select {
		case <-c.quit:
			c.shutdown()
			return
		default:
		}

		select {
		case <-c.quit:
			c.shutdown()
			return

		case <-ctx.Done():
			c.stop()
			c.shutdown()

			return

		case ev := <-c.inbox:
			c.handle(ev)

		case <-timerC(c.subscribeTimer):
			c.subscribeTimer = nil
			c.onSubscribeTimeout()

		case <-timerC(c.backoffTimer):
			c.backoffTimer = nil
			c.fire(triggerBackoffElapsed, nil)

		case <-tickerC(c.pollTicker):
			c.startPoll(false)
		}
	}
}

// handle processes one inbox item. A panic while applying is logged and
// swallowed; the Reconciler swaps whole slices so the view is either the
// old or the new one.
func (c *Controller) handle(ev any) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("recovered panic in sync loop",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	switch e := ev.(type) {
	case SessionEvent:
		c.onSessionEvent(e)
	case pollResult:
		c.onPollResult(e)
	case receiptResult:
		c.onReceiptResult(e)
	case reloadRequest:
		c.startPoll(true)
	default:
		c.logger.Warn("unknown loop input", slog.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (c *Controller) onSessionEvent(e SessionEvent) {
	if c.session == nil || e.Generation != c.session.Generation() {
		c.logger.Debug("ignoring event from superseded session",
			slog.Uint64("generation", e.Generation),
			slog.Uint64("current", c.session.Generation()),
		)

		return
	}

	if e.Change != nil {
		changed, err := c.reconciler.ApplyPush(*e.Change)
		if err != nil {
			c.logger.Warn("dropping push event", slog.String("error", err.Error()))
			return
		}

		c.recordPush(*e.Change)

		if changed {
			c.viewChanged()
		}

		return
	}

	switch e.Status {
	case ChannelSubscribed:
		c.fire(triggerSubscribed, nil)
	case ChannelError:
		c.fire(triggerChannelFailed, e.Err)
	case ChannelClosed:
		c.fire(triggerChannelFailed, chaterrors.ErrChannelUnavailable)
	case ChannelConnecting:
	}
}

func (c *Controller) onSubscribeTimeout() {
	if c.state != StateConnecting && c.state != StateReconnecting {
		return
	}

	c.fire(triggerChannelFailed, fmt.Errorf("%w: no subscribe confirmation within %s",
		chaterrors.ErrChannelUnavailable, c.timing.SubscribeTimeout))
}

// fire runs the transition for t and the entry actions of the new state.
func (c *Controller) fire(t trigger, cause error) {
	prev := c.state

	next, ok := nextState(prev, t)
	if !ok {
		c.logger.Debug("ignoring trigger",
			slog.String("state", prev.String()),
			slog.String("trigger", t.String()),
		)

		return
	}

	attrs := []any{
		slog.String("from", prev.String()),
		slog.String("to", next.String()),
		slog.String("trigger", t.String()),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("cause", cause.Error()))
	}

	if next == StateDegraded {
		c.logger.Warn("sync state changed", attrs...)
	} else {
		c.logger.Info("sync state changed", attrs...)
	}

	c.setState(next)

	switch next {
	case StateConnecting:
		c.openSession()
		c.scheduleReceipts()

	case StateLive:
		stopTimer(&c.subscribeTimer)
		c.stopPolling()
		c.attempts = 0
		c.pinned = false

		if prev == StateReconnecting || prev == StateDegraded {
			c.scheduleReceipts()
		}

	case StateDegraded:
		stopTimer(&c.subscribeTimer)
		c.channels.Close(c.session)
		c.session = nil
		c.startPolling()
		c.scheduleReconnect()

	case StateReconnecting:
		c.attempts++
		c.openSession()

	case StateClosed:
		c.teardown()
	}
}

func (c *Controller) setState(s State) {
	c.state = s

	c.stateMu.Lock()
	c.publishedState = s
	c.stateMu.Unlock()

	if c.hooks.OnStateChange != nil {
		c.hooks.OnStateChange(s)
	}
}

func (c *Controller) openSession() {
	c.channels.Close(c.session)
	c.session = c.channels.Open(c.conversationID, c.sessionSink)

	stopTimer(&c.subscribeTimer)
	c.subscribeTimer = time.NewTimer(c.timing.SubscribeTimeout)
}

// scheduleReconnect arms the backoff timer for the next attempt. Once the
// attempts are used up polling stays the transport for this session.
func (c *Controller) scheduleReconnect() {
	if c.attempts >= c.timing.MaxReconnectAttempts {
		if !c.pinned {
			c.pinned = true
			c.logger.Warn("reconnect attempts exhausted, staying on polling",
				slog.Int("attempts", c.attempts),
			)
		}

		return
	}

	delay := c.timing.Backoff(c.attempts + 1)

	stopTimer(&c.backoffTimer)
	c.backoffTimer = time.NewTimer(delay)

	c.logger.Debug("reconnect scheduled",
		slog.Int("attempt", c.attempts+1),
		slog.Duration("backoff", delay),
	)
}

func (c *Controller) startPolling() {
	if c.pollTicker != nil {
		return
	}

	c.pollTicker = time.NewTicker(c.timing.PollInterval)
}

func (c *Controller) stopPolling() {
	if c.pollTicker == nil {
		return
	}

	c.pollTicker.Stop()
	c.pollTicker = nil
}

// startPoll fetches the conversation on a worker goroutine. Only one
// fetch runs at a time; a forced reload requested while one is running
// is queued behind it.
func (c *Controller) startPoll(force bool) {
	if c.pollInFlight {
		if force {
			c.pendingReload = true
		}

		return
	}

	c.pollInFlight = true
	seq := c.pushSeq

	c.spawn(func(ctx context.Context) any {
		msgs, err := c.store.FetchOrdered(ctx, c.conversationID)
		return pollResult{msgs: msgs, err: err, force: force, seq: seq}
	})
}

func (c *Controller) onPollResult(r pollResult) {
	c.pollInFlight = false

	defer func() {
		c.trimPushes()

		if c.pendingReload {
			c.pendingReload = false
			c.startPoll(true)
		}
	}()

	if r.err != nil {
		if errors.Is(r.err, context.Canceled) {
			return
		}

		c.logger.Warn("poll failed, retrying on next tick", slog.String("error", r.err.Error()))

		return
	}

	var changed bool
	if r.force {
		changed = c.reconciler.Replace(r.msgs)
	} else {
		changed = c.reconciler.ApplyPollSnapshot(r.msgs)
	}

	if changed {
		c.replayPushes(r.seq)
		c.viewChanged()
	}
}

// scheduleReceipts starts a read-receipt pass, or queues exactly one more
// if a pass is already running.
func (c *Controller) scheduleReceipts() {
	if c.receiptRunning {
		c.receiptQueued = true
		return
	}

	c.receiptRunning = true
	seq := c.pushSeq

	c.spawn(func(ctx context.Context) any {
		res, err := c.receipts.MarkIncomingAsRead(ctx, c.conversationID, c.viewerID)
		return receiptResult{res: res, err: err, seq: seq}
	})
}

func (c *Controller) onReceiptResult(r receiptResult) {
	c.receiptRunning = false

	defer func() {
		c.trimPushes()

		if c.receiptQueued {
			c.receiptQueued = false
			c.scheduleReceipts()
		}
	}()

	if r.err != nil && len(r.res.Marked) == 0 {
		if !errors.Is(r.err, context.Canceled) {
			c.logger.Warn("read receipt pass failed", slog.String("error", r.err.Error()))
		}

		return
	}

	changed := c.applyMarked(r.res)

	if r.res.Snapshot != nil && c.reconciler.ApplyPollSnapshot(r.res.Snapshot) {
		c.replayPushes(r.seq)
		changed = true
	}

	if changed {
		c.viewChanged()
	}
}

// applyMarked reflects a receipt pass in the view. A snapshot that did not
// move the latest timestamp would be skipped by ApplyPollSnapshot, so the
// marked messages are applied as updates, using the store's timestamps
// when the refetch succeeded.
func (c *Controller) applyMarked(res ReceiptResult) bool {
	if len(res.Marked) == 0 {
		return false
	}

	fresh := make(map[string]models.Message, len(res.Snapshot))
	for _, m := range res.Snapshot {
		fresh[m.ID] = m
	}

	current := make(map[string]models.Message)
	for _, m := range c.reconciler.View() {
		current[m.ID] = m
	}

	changed := false

	for _, id := range res.Marked {
		m, ok := fresh[id]
		if !ok || m.ReadAt == nil {
			cur, inView := current[id]
			if !inView {
				continue
			}

			markedAt := res.MarkedAt
			cur.ReadAt = &markedAt
			m = cur
		}

		ok, err := c.reconciler.ApplyPush(models.ChangeEvent{Kind: models.ChangeUpdate, Message: m})
		if err != nil {
			c.logger.Debug("skipping receipt update", slog.String("message_id", id), slog.String("error", err.Error()))
			continue
		}

		changed = changed || ok
	}

	return changed
}

// recordPush notes a push that has been applied to the view. It is only
// kept while a fetch is in flight, since only that fetch's snapshot can
// predate it.
func (c *Controller) recordPush(ev models.ChangeEvent) {
	c.pushSeq++

	if c.pollInFlight || c.receiptRunning {
		c.recentPushes = append(c.recentPushes, appliedPush{seq: c.pushSeq, ev: ev})
	}
}

// replayPushes reapplies pushes newer than seq after a snapshot replaced
// the view, so a fetch that started before them cannot undo them.
func (c *Controller) replayPushes(seq uint64) {
	for _, p := range c.recentPushes {
		if p.seq <= seq {
			continue
		}

		if _, err := c.reconciler.ApplyPush(p.ev); err != nil {
			c.logger.Debug("skipping replayed push", slog.String("message_id", p.ev.Message.ID), slog.String("error", err.Error()))
		}
	}
}

func (c *Controller) trimPushes() {
	if !c.pollInFlight && !c.receiptRunning {
		c.recentPushes = nil
	}
}

// spawn runs fn on a tracked worker goroutine and posts its result back.
func (c *Controller) spawn(fn func(ctx context.Context) any) {
	c.workers.Add(1)

	go func() {
		defer c.workers.Done()

		ctx, cancel := context.WithTimeout(c.ctx, storeCallTimeout)
		defer cancel()

		_ = c.post(fn(ctx))
	}()
}

func (c *Controller) viewChanged() {
	if c.hooks.OnViewChange != nil {
		c.hooks.OnViewChange(c.reconciler.View())
	}
}

func (c *Controller) shutdown() {
	c.fire(triggerClose, nil)
}

// teardown cancels every timer, closes the channel session and aborts
// in-flight store calls. No view mutation happens after this.
func (c *Controller) teardown() {
	stopTimer(&c.subscribeTimer)
	stopTimer(&c.backoffTimer)
	c.stopPolling()
	c.channels.Close(c.session)
	c.session = nil
	c.cancel()

	c.logger.Info("conversation closed")
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}

	return t.C
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}

	return t.C
}
