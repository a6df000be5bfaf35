package portalsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Frame types
// ============================================================================

// Inbound frame types.
const (
	FrameQueueUpdate  = "queue_update"
	FrameQueueCalled  = "queue_called"
	FrameNewMessage   = "new_message"
	FrameTyping       = "typing"
	FrameMessageRead  = "message_read"
	FrameNotification = "notification"
	FramePong         = "pong"
)

// Outbound frame types.
const (
	FramePing        = "ping"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameJoinQueue   = "join_queue"
	FrameLeaveQueue  = "leave_queue"
	FrameMarkRead    = "mark_read"
	FrameSendMessage = "send_message"
)

// errMissingType is returned for frames without a type discriminator.
var errMissingType = errors.New("frame has no type")

// ============================================================================
// Events
// ============================================================================

// Event is an inbound frame decoded into one of a closed set of variants:
// QueueUpdateEvent, QueueCalledEvent, NewMessageEvent, TypingEvent,
// MessageReadEvent, NotificationEvent or UnknownEvent.
type Event interface {
	// Type returns the wire discriminator.
	Type() string
	// Channel returns the subscription channel the event belongs to.
	Channel() Channel

	isEvent()
}

// AlertPayload is an alert as carried on the wire, before the projector
// assigns it an ID.
type AlertPayload struct {
	Type      string     `json:"type"`
	Message   string     `json:"message"`
	Urgent    bool       `json:"urgent,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// QueueUpdateEvent reports a new queue position or status.
type QueueUpdateEvent struct {
	Position        *int          `json:"position"`
	WaitTimeMinutes *int          `json:"waitTime"`
	Status          QueueStatus   `json:"status,omitempty"`
	Alert           *AlertPayload `json:"alert,omitempty"`
}

// QueueCalledEvent reports that the patient has been called.
type QueueCalledEvent struct {
	KioskID string        `json:"kioskId,omitempty"`
	Alert   *AlertPayload `json:"alert,omitempty"`
}

// NewMessageEvent delivers a chat message.
type NewMessageEvent struct {
	Message Message `json:"message"`
}

// TypingEvent reports a remote party starting or stopping typing.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

// MessageReadEvent is a remote read receipt.
type MessageReadEvent struct {
	ReadReceipt
}

// NotificationEvent delivers a portal notification.
type NotificationEvent struct {
	Notification Notification `json:"notification"`
}

// UnknownEvent is a well-formed frame whose type this client does not know.
type UnknownEvent struct {
	FrameType string
	Raw       json.RawMessage
}

func (QueueUpdateEvent) Type() string  { return FrameQueueUpdate }
func (QueueCalledEvent) Type() string  { return FrameQueueCalled }
func (NewMessageEvent) Type() string   { return FrameNewMessage }
func (TypingEvent) Type() string       { return FrameTyping }
func (MessageReadEvent) Type() string  { return FrameMessageRead }
func (NotificationEvent) Type() string { return FrameNotification }
func (e UnknownEvent) Type() string    { return e.FrameType }

func (QueueUpdateEvent) Channel() Channel  { return ChannelQueue }
func (QueueCalledEvent) Channel() Channel  { return ChannelQueue }
func (NewMessageEvent) Channel() Channel   { return ChannelMessages }
func (TypingEvent) Channel() Channel       { return ChannelMessages }
func (MessageReadEvent) Channel() Channel  { return ChannelMessages }
func (NotificationEvent) Channel() Channel { return ChannelNotifications }
func (UnknownEvent) Channel() Channel      { return "" }

func (QueueUpdateEvent) isEvent()  {}
func (QueueCalledEvent) isEvent()  {}
func (NewMessageEvent) isEvent()   {}
func (TypingEvent) isEvent()       {}
func (MessageReadEvent) isEvent()  {}
func (NotificationEvent) isEvent() {}
func (UnknownEvent) isEvent()      {}

// ============================================================================
// Codec
// ============================================================================

type frameHeader struct {
	Type string `json:"type"`
}

// frameType extracts the type discriminator of a raw frame.
func frameType(data []byte) (string, error) {
	var h frameHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return "", fmt.Errorf("decode frame: %w", err)
	}
	if h.Type == "" {
		return "", errMissingType
	}
	return h.Type, nil
}

// DecodeEvent parses an inbound frame. Frames with an unrecognised type
// decode to UnknownEvent; malformed frames return an error. Pong frames are
// transport-level and decode to UnknownEvent.
func DecodeEvent(data []byte) (Event, error) {
	typ, err := frameType(data)
	if err != nil {
		return nil, err
	}

	var ev Event
	switch typ {
	case FrameQueueUpdate:
		var e QueueUpdateEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case FrameQueueCalled:
		var e QueueCalledEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case FrameNewMessage:
		var e NewMessageEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case FrameTyping:
		var e TypingEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case FrameMessageRead:
		var e MessageReadEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case FrameNotification:
		var e NotificationEvent
		err = json.Unmarshal(data, &e)
		ev = e
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return UnknownEvent{FrameType: typ, Raw: raw}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", typ, err)
	}
	return ev, nil
}

// EncodeEvent renders an event as a wire frame.
func EncodeEvent(ev Event) ([]byte, error) {
	if u, ok := ev.(UnknownEvent); ok {
		return u.Raw, nil
	}
	return encodeFrame(ev.Type(), ev)
}

// encodeFrame marshals body and injects the type discriminator.
func encodeFrame(typ string, body any) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", typ, err)
		}
		if err := json.Unmarshal(b, &fields); err != nil {
			return nil, fmt.Errorf("encode %s: body must be an object: %w", typ, err)
		}
	}
	t, _ := json.Marshal(typ)
	fields["type"] = t
	return json.Marshal(fields)
}

// ============================================================================
// Outbound commands
// ============================================================================

// Command is an outbound frame.
type Command struct {
	Type string
	Body any
}

// MarshalJSON flattens Body next to the type discriminator.
func (c Command) MarshalJSON() ([]byte, error) {
	return encodeFrame(c.Type, c.Body)
}

type subscribeBody struct {
	Channels []Channel `json:"channels"`
}

type unsubscribeBody struct {
	Channel Channel `json:"channel"`
}

type joinQueueBody struct {
	KioskID       string `json:"kioskId"`
	AppointmentID string `json:"appointmentId"`
}

type conversationBody struct {
	ConversationID string `json:"conversationId"`
}

type typingBody struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}
