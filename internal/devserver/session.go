package devserver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/medpulse-health/portalsync"
)

// session is one connected client and its private simulation.
type session struct {
	server *Server
	conn   *websocket.Conn
	log    *zap.Logger
	sim    *portalsync.Simulator

	writeMu sync.Mutex

	mu       sync.Mutex
	channels map[portalsync.Channel]bool
}

// inbound is the union of client command fields the server reads.
type inbound struct {
	Type           string               `json:"type"`
	Channels       []portalsync.Channel `json:"channels"`
	Channel        portalsync.Channel   `json:"channel"`
	KioskID        string               `json:"kioskId"`
	AppointmentID  string               `json:"appointmentId"`
	ConversationID string               `json:"conversationId"`
	ID             string               `json:"id"`
	IsTyping       bool                 `json:"isTyping"`
}

func newSession(s *Server, conn *websocket.Conn) *session {
	sess := &session{
		server:   s,
		conn:     conn,
		log:      s.log.With(zap.String("remote", conn.RemoteAddr().String())),
		channels: make(map[portalsync.Channel]bool),
	}
	cfg := &portalsync.Config{SimulationTick: s.opts.Tick, Seed: s.opts.Seed}
	sess.sim = portalsync.NewSimulator(cfg, sess, nil, s.opts.Clock, s.log)
	return sess
}

func (sess *session) run(ctx context.Context) {
	sess.sim.Connect(ctx)
	defer sess.sim.Close()
	defer sess.conn.Close()

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.log.Debug("read ended", zap.Error(err))
			}
			return
		}
		sess.handle(data)
	}
}

func (sess *session) handle(data []byte) {
	var cmd inbound
	if err := json.Unmarshal(data, &cmd); err != nil {
		sess.log.Warn("malformed client frame", zap.Error(err))
		return
	}

	switch cmd.Type {
	case portalsync.FramePing:
		sess.write([]byte(`{"type":"pong"}`))
	case portalsync.FrameSubscribe:
		sess.mu.Lock()
		for _, ch := range cmd.Channels {
			sess.channels[ch] = true
		}
		sess.mu.Unlock()
	case portalsync.FrameUnsubscribe:
		sess.mu.Lock()
		delete(sess.channels, cmd.Channel)
		sess.mu.Unlock()
	case portalsync.FrameJoinQueue:
		sess.log.Info("joined queue", zap.String("kiosk", cmd.KioskID), zap.String("appointment", cmd.AppointmentID))
		sess.sim.Reset()
	case portalsync.FrameLeaveQueue:
		sess.sim.Reset()
	case portalsync.FrameSendMessage:
		sess.acknowledgeMessage(cmd)
	case portalsync.FrameMarkRead, portalsync.FrameTyping:
		sess.log.Debug("client command", zap.String("type", cmd.Type), zap.String("conversation", cmd.ConversationID))
	default:
		sess.log.Info("unknown client frame", zap.String("type", cmd.Type))
	}
}

// acknowledgeMessage answers a sent message with a read receipt from the
// care team.
func (sess *session) acknowledgeMessage(cmd inbound) {
	if !sess.subscribed(portalsync.ChannelMessages) {
		return
	}
	frame, err := portalsync.EncodeEvent(portalsync.MessageReadEvent{ReadReceipt: portalsync.ReadReceipt{
		ConversationID: cmd.ConversationID,
		MessageIDs:     []string{cmd.ID},
		ReaderID:       "provider-chen",
		ReadAt:         sess.server.opts.Clock.Now(),
	}})
	if err != nil {
		sess.log.Error("encode read receipt", zap.Error(err))
		return
	}
	sess.write(frame)
}

// HandleFrame receives simulated frames and forwards those on subscribed
// channels.
func (sess *session) HandleFrame(data []byte) {
	ev, err := portalsync.DecodeEvent(data)
	if err != nil {
		sess.log.Error("decode simulated frame", zap.Error(err))
		return
	}
	if !sess.subscribed(ev.Channel()) {
		return
	}
	sess.write(data)
}

// HandleState ignores the simulation's own connection state.
func (sess *session) HandleState(portalsync.ConnectionState) {}

func (sess *session) subscribed(ch portalsync.Channel) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.channels[ch]
}

func (sess *session) write(data []byte) {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := sess.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		sess.log.Debug("write failed", zap.Error(err))
	}
}
