package portalsync

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medpulse-health/portalsync/clock"
)

// Projector folds routed events into the published state and implements the
// outbound actions. It is the only writer of queue, inbox and notification
// state; every mutation happens under one mutex.
type Projector struct {
	source EventSource
	clock  clock.Clock
	log    *zap.Logger

	mu            sync.Mutex
	connection    ConnectionState
	queue         QueueState
	inbox         MessageInbox
	notifications []Notification
	alertSeq      int64
	watchers      map[chan Snapshot]struct{}

	receiptMu sync.RWMutex
	receipts  []func(ReadReceipt)
}

// NewProjector returns a Projector with empty state. source may be bound
// later with bind; until then every action behaves as disconnected.
func NewProjector(clk clock.Clock, log *zap.Logger) *Projector {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Projector{
		clock:      clk,
		log:        log.Named("projector"),
		connection: StateDisconnected,
		queue:      QueueState{Status: QueueNone},
		inbox:      MessageInbox{TypingIndicators: map[string]bool{}},
		watchers:   make(map[chan Snapshot]struct{}),
	}
}

func (p *Projector) bind(source EventSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = source
}

// ============================================================================
// Published state
// ============================================================================

// Snapshot returns a copy of the current state.
func (p *Projector) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Watch returns a channel that always holds the most recent snapshot. A
// slow reader skips intermediate snapshots and sees the latest. Call the
// returned function to stop watching; it closes the channel.
func (p *Projector) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	p.mu.Lock()
	p.watchers[ch] = struct{}{}
	ch <- p.snapshotLocked()
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.watchers, ch)
			close(ch)
			p.mu.Unlock()
		})
	}
}

// OnReadReceipt registers a listener for remote read receipts. Listeners
// run on the delivering goroutine; panics are recovered and logged.
func (p *Projector) OnReadReceipt(fn func(ReadReceipt)) {
	p.receiptMu.Lock()
	defer p.receiptMu.Unlock()
	p.receipts = append(p.receipts, fn)
}

func (p *Projector) snapshotLocked() Snapshot {
	s := Snapshot{
		Connection: p.connection,
		Simulated:  p.source != nil && p.source.Simulated(),
		Queue: QueueState{
			Status:        p.queue.Status,
			Alerts:        append([]Alert(nil), p.queue.Alerts...),
			KioskID:       p.queue.KioskID,
			AppointmentID: p.queue.AppointmentID,
		},
		Inbox: MessageInbox{
			UnreadCount:      p.inbox.UnreadCount,
			NewMessages:      append([]Message(nil), p.inbox.NewMessages...),
			TypingIndicators: make(map[string]bool, len(p.inbox.TypingIndicators)),
		},
		Notifications: append([]Notification(nil), p.notifications...),
	}
	if p.queue.Position != nil {
		s.Queue.Position = intPtr(*p.queue.Position)
	}
	if p.queue.WaitTimeMinutes != nil {
		s.Queue.WaitTimeMinutes = intPtr(*p.queue.WaitTimeMinutes)
	}
	for k, v := range p.inbox.TypingIndicators {
		s.Inbox.TypingIndicators[k] = v
	}
	return s
}

// publishLocked pushes the current snapshot to every watcher, replacing any
// snapshot the watcher has not read yet.
func (p *Projector) publishLocked() {
	if len(p.watchers) == 0 {
		return
	}
	snap := p.snapshotLocked()
	for ch := range p.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// ============================================================================
// Event handlers
// ============================================================================

// HandleConnectionState records the source's connection state.
func (p *Projector) HandleConnectionState(state ConnectionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connection = state
	p.publishLocked()
}

// HandleQueueUpdate overwrites position, wait time and status, and prepends
// the carried alert. A completed status ends the queue visit.
func (p *Projector) HandleQueueUpdate(e QueueUpdateEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e.Status == QueueCompleted {
		p.resetQueueLocked()
		p.publishLocked()
		return
	}
	p.queue.Position = copyInt(e.Position)
	p.queue.WaitTimeMinutes = copyInt(e.WaitTimeMinutes)
	if e.Status != "" {
		p.queue.Status = e.Status
	}
	if e.Alert != nil {
		p.pushAlertLocked(*e.Alert, e.Alert.Urgent)
	}
	p.publishLocked()
}

// HandleQueueCalled marks the patient as called and raises an urgent alert.
func (p *Projector) HandleQueueCalled(e QueueCalledEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.queue.Status = QueueCalled
	alert := AlertPayload{Type: "called", Message: "You have been called. Please proceed to the front desk."}
	if e.Alert != nil {
		alert = *e.Alert
	}
	p.pushAlertLocked(alert, true)
	p.publishLocked()
}

// HandleNewMessage prepends the message and bumps the unread count.
func (p *Projector) HandleNewMessage(e NewMessageEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inbox.NewMessages = append([]Message{e.Message}, p.inbox.NewMessages...)
	p.inbox.UnreadCount++
	p.publishLocked()
}

// HandleTyping sets the typing indicator of one conversation.
func (p *Projector) HandleTyping(e TypingEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inbox.TypingIndicators[e.ConversationID] = e.IsTyping
	p.publishLocked()
}

// HandleMessageRead forwards a read receipt to listeners without touching
// state.
func (p *Projector) HandleMessageRead(e MessageReadEvent) {
	p.receiptMu.RLock()
	listeners := append([]func(ReadReceipt){}, p.receipts...)
	p.receiptMu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("read receipt listener panicked", zap.Any("panic", r))
				}
			}()
			fn(e.ReadReceipt)
		}()
	}
}

// HandleNotification prepends the notification, keeping the newest ten.
func (p *Projector) HandleNotification(e NotificationEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.notifications = prepend(p.notifications, e.Notification, maxNotifications)
	p.publishLocked()
}

// ============================================================================
// Actions
// ============================================================================

// JoinQueue optimistically places the patient in the queue and tells the
// backend. A send failure is logged, not returned.
func (p *Projector) JoinQueue(ctx context.Context, kioskID, appointmentID string) {
	p.mu.Lock()
	p.queue = QueueState{
		Position:        intPtr(joinedPosition),
		WaitTimeMinutes: intPtr(joinedWaitTime),
		Status:          QueueWaiting,
		KioskID:         kioskID,
		AppointmentID:   appointmentID,
	}
	p.publishLocked()
	source := p.source
	p.mu.Unlock()

	restartSimulatedQueue(source)
	p.sendBestEffort(ctx, source, Command{
		Type: FrameJoinQueue,
		Body: joinQueueBody{KioskID: kioskID, AppointmentID: appointmentID},
	})
}

// LeaveQueue clears queue state and alerts.
func (p *Projector) LeaveQueue(ctx context.Context) {
	p.mu.Lock()
	p.resetQueueLocked()
	p.publishLocked()
	source := p.source
	p.mu.Unlock()

	restartSimulatedQueue(source)
	p.sendBestEffort(ctx, source, Command{Type: FrameLeaveQueue})
}

// SendMessage sends a chat message. In simulation it succeeds without
// touching the inbox; the caller shows its own sent messages. Against a
// real backend it returns ErrNotConnected unless connected.
func (p *Projector) SendMessage(ctx context.Context, msg OutgoingMessage) error {
	p.mu.Lock()
	source := p.source
	p.mu.Unlock()

	if source == nil {
		return ErrNotConnected
	}
	if source.Simulated() {
		return nil
	}
	if source.State() != StateConnected {
		return ErrNotConnected
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return source.Send(ctx, Command{Type: FrameSendMessage, Body: msg})
}

// MarkMessagesRead decrements the unread count by one, never below zero,
// and drops the conversation's queued messages.
func (p *Projector) MarkMessagesRead(ctx context.Context, conversationID string) {
	p.mu.Lock()
	if p.inbox.UnreadCount > 0 {
		p.inbox.UnreadCount--
	}
	kept := p.inbox.NewMessages[:0:0]
	for _, m := range p.inbox.NewMessages {
		if m.ConversationID != conversationID {
			kept = append(kept, m)
		}
	}
	p.inbox.NewMessages = kept
	p.publishLocked()
	source := p.source
	p.mu.Unlock()

	p.sendBestEffort(ctx, source, Command{
		Type: FrameMarkRead,
		Body: conversationBody{ConversationID: conversationID},
	})
}

// SendTypingIndicator tells the backend the patient is typing. Local state
// only tracks remote parties, so nothing changes here.
func (p *Projector) SendTypingIndicator(ctx context.Context, conversationID string, isTyping bool) {
	p.mu.Lock()
	source := p.source
	p.mu.Unlock()

	p.sendBestEffort(ctx, source, Command{
		Type: FrameTyping,
		Body: typingBody{ConversationID: conversationID, IsTyping: isTyping},
	})
}

// ClearQueueAlerts empties the alert list.
func (p *Projector) ClearQueueAlerts() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue.Alerts = nil
	p.publishLocked()
}

// ClearNotifications empties the notification list.
func (p *Projector) ClearNotifications() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifications = nil
	p.publishLocked()
}

// sendBestEffort sends low-stakes commands outside simulation. Failures,
// including not being connected, are dropped.
func (p *Projector) sendBestEffort(ctx context.Context, source EventSource, cmd Command) {
	if source == nil || source.Simulated() {
		return
	}
	if err := source.Send(ctx, cmd); err != nil {
		if errors.Is(err, ErrNotConnected) {
			p.log.Debug("dropping command while disconnected", zap.String("type", cmd.Type))
			return
		}
		p.log.Warn("send failed", zap.String("type", cmd.Type), zap.Error(err))
	}
}

// queueResetter is a source that owns its own queue, as the Simulator does.
type queueResetter interface {
	Reset()
}

// restartSimulatedQueue does locally what join_queue and leave_queue do on
// a backend: the simulated queue starts over.
func restartSimulatedQueue(source EventSource) {
	if source == nil || !source.Simulated() {
		return
	}
	if r, ok := source.(queueResetter); ok {
		r.Reset()
	}
}

func (p *Projector) resetQueueLocked() {
	p.queue = QueueState{Status: QueueNone}
}

func (p *Projector) pushAlertLocked(a AlertPayload, urgent bool) {
	p.alertSeq++
	ts := p.clock.Now()
	if a.Timestamp != nil {
		ts = *a.Timestamp
	}
	p.queue.Alerts = prepend(p.queue.Alerts, Alert{
		ID:        p.alertSeq,
		Type:      a.Type,
		Message:   a.Message,
		Timestamp: ts,
		Urgent:    urgent,
	}, maxQueueAlerts)
}

// prepend returns a new slice with v first, truncated to limit.
func prepend[T any](list []T, v T, limit int) []T {
	n := min(len(list)+1, limit)
	out := make([]T, 0, n)
	out = append(out, v)
	return append(out, list[:n-1]...)
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	return intPtr(*v)
}
