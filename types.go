package portalsync

import (
	"errors"
	"time"
)

// ============================================================================
// Connection
// ============================================================================

// ConnectionState represents the state of the event source connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// canTransition reports whether from→to is a legal connection transition.
func canTransition(from, to ConnectionState) bool {
	if to == StateDisconnected {
		return true
	}
	switch from {
	case StateDisconnected:
		return to == StateConnecting
	case StateConnecting:
		return to == StateConnected || to == StateReconnecting
	case StateConnected:
		return to == StateReconnecting
	case StateReconnecting:
		return to == StateConnecting
	}
	return false
}

// Channel is a logical subscription topic multiplexed over one connection.
type Channel string

const (
	ChannelQueue         Channel = "queue"
	ChannelMessages      Channel = "messages"
	ChannelNotifications Channel = "notifications"
)

// AllChannels lists every channel the backend publishes.
var AllChannels = []Channel{ChannelQueue, ChannelMessages, ChannelNotifications}

// ============================================================================
// Errors
// ============================================================================

// ErrNotConnected is returned by sends attempted while the connection is not
// in the connected state.
var ErrNotConnected = errors.New("portalsync: not connected")

// ConfigError reports an invalid configuration field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "portalsync: invalid config " + e.Field + ": " + e.Message
}

// ============================================================================
// Queue
// ============================================================================

// QueueStatus is the lifecycle of a patient's place in a check-in queue.
type QueueStatus string

const (
	QueueNone       QueueStatus = "none"
	QueueWaiting    QueueStatus = "waiting"
	QueueCalled     QueueStatus = "called"
	QueueInProgress QueueStatus = "in-progress"
	QueueCompleted  QueueStatus = "completed"
)

const (
	maxQueueAlerts   = 5
	maxNotifications = 10

	joinedPosition = 3
	joinedWaitTime = 12
)

// Alert is a queue event worth showing to the patient.
type Alert struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Urgent    bool      `json:"urgent"`
}

// QueueState is the patient's current queue standing.
type QueueState struct {
	Position        *int        `json:"position"`
	WaitTimeMinutes *int        `json:"waitTime"`
	Status          QueueStatus `json:"status"`
	Alerts          []Alert     `json:"alerts"`
	KioskID         string      `json:"kioskId,omitempty"`
	AppointmentID   string      `json:"appointmentId,omitempty"`
}

// ============================================================================
// Messaging
// ============================================================================

// Message is an inbound chat message from a care team member.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId,omitempty"`
	SenderName     string    `json:"senderName,omitempty"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// OutgoingMessage is a message the patient sends.
type OutgoingMessage struct {
	ID             string         `json:"id,omitempty"`
	ConversationID string         `json:"conversationId"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// MessageInbox tracks unread messages and remote typing activity.
type MessageInbox struct {
	UnreadCount      int             `json:"unreadCount"`
	NewMessages      []Message       `json:"newMessages"`
	TypingIndicators map[string]bool `json:"typingIndicators"`
}

// ReadReceipt reports that a remote party read messages in a conversation.
type ReadReceipt struct {
	ConversationID string    `json:"conversationId"`
	MessageIDs     []string  `json:"messageIds,omitempty"`
	ReaderID       string    `json:"readerId,omitempty"`
	ReadAt         time.Time `json:"readAt"`
}

// ============================================================================
// Notifications
// ============================================================================

// Notification is a portal notification (lab results, reminders, ...).
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ============================================================================
// Snapshot
// ============================================================================

// Snapshot is a consistent copy of all published state. Callers own the
// slices and maps it contains.
type Snapshot struct {
	Connection    ConnectionState `json:"connectionState"`
	Simulated     bool            `json:"simulated"`
	Queue         QueueState      `json:"queue"`
	Inbox         MessageInbox    `json:"inbox"`
	Notifications []Notification  `json:"notifications"`
}

// QueuePosition returns the queue position, or 0 when not queued.
func (s Snapshot) QueuePosition() int {
	if s.Queue.Position == nil {
		return 0
	}
	return *s.Queue.Position
}

// QueueWaitTime returns the estimated wait in minutes, or 0 when unknown.
func (s Snapshot) QueueWaitTime() int {
	if s.Queue.WaitTimeMinutes == nil {
		return 0
	}
	return *s.Queue.WaitTimeMinutes
}

func intPtr(v int) *int { return &v }
