package portalsync

import (
	"go.uber.org/zap"
)

// Handler receives routed events and connection state changes. The State
// Projector is the production Handler.
type Handler interface {
	HandleQueueUpdate(QueueUpdateEvent)
	HandleQueueCalled(QueueCalledEvent)
	HandleNewMessage(NewMessageEvent)
	HandleTyping(TypingEvent)
	HandleMessageRead(MessageReadEvent)
	HandleNotification(NotificationEvent)
	HandleConnectionState(ConnectionState)
}

// Sink is where an EventSource delivers raw frames and state transitions.
// HandleState is called with the source's lock held and must not call back
// into the source.
type Sink interface {
	HandleFrame(data []byte)
	HandleState(state ConnectionState)
}

// SubscriptionFilter reports whether events on a channel should be
// delivered.
type SubscriptionFilter interface {
	Subscribed(Channel) bool
}

// Router decodes frames and dispatches them to a Handler. It keeps no
// mutable state of its own.
type Router struct {
	handler Handler
	filter  SubscriptionFilter
	log     *zap.Logger
}

// NewRouter returns a Router dispatching to h. filter may be nil, in which
// case every channel is delivered.
func NewRouter(h Handler, filter SubscriptionFilter, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{handler: h, filter: filter, log: log.Named("router")}
}

// HandleFrame decodes one inbound frame and routes it. Malformed frames are
// logged and dropped.
func (r *Router) HandleFrame(data []byte) {
	ev, err := DecodeEvent(data)
	if err != nil {
		r.log.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	r.Route(ev)
}

// HandleState forwards a connection state change.
func (r *Router) HandleState(state ConnectionState) {
	r.handler.HandleConnectionState(state)
}

// Route dispatches a decoded event.
func (r *Router) Route(ev Event) {
	if ch := ev.Channel(); ch != "" && r.filter != nil && !r.filter.Subscribed(ch) {
		r.log.Debug("dropping event on unsubscribed channel",
			zap.String("type", ev.Type()), zap.String("channel", string(ch)))
		return
	}

	switch e := ev.(type) {
	case QueueUpdateEvent:
		r.handler.HandleQueueUpdate(e)
	case QueueCalledEvent:
		r.handler.HandleQueueCalled(e)
	case NewMessageEvent:
		r.handler.HandleNewMessage(e)
	case TypingEvent:
		r.handler.HandleTyping(e)
	case MessageReadEvent:
		r.handler.HandleMessageRead(e)
	case NotificationEvent:
		r.handler.HandleNotification(e)
	case UnknownEvent:
		r.log.Info("dropping unknown frame type", zap.String("type", e.FrameType))
	default:
		r.log.Error("unroutable event", zap.String("type", ev.Type()))
	}
}
