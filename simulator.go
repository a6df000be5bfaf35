package portalsync

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medpulse-health/portalsync/clock"
)

const (
	simSeedPosition = 3
	simSeedWaitTime = 12
	simWaitStep     = 4

	simCalledDelay  = 5 * time.Second
	simTypingWindow = 3 * time.Second

	simAdvanceAbove = 0.7
	simMessageBelow = 0.1
	simTypingBelow  = 0.15

	// SimulatedConversation is the conversation the simulator's care team
	// writes and types in.
	SimulatedConversation = "conv-1"
)

var simCareTeam = []struct {
	id, name string
}{
	{"provider-chen", "Dr. Sarah Chen"},
	{"provider-okafor", "Nurse James Okafor"},
	{"provider-ruiz", "Front Desk - Maria Ruiz"},
}

var simMessages = []string{
	"Your lab results are ready to review.",
	"Please remember to bring your insurance card.",
	"We're running a few minutes behind. Thank you for your patience.",
	"Your prescription has been sent to the pharmacy.",
	"Reply here if you have any questions before your visit.",
}

// Simulator is an EventSource that fabricates backend traffic for demo and
// offline use. It emits the same frames a real backend would, so the router
// and projector cannot tell the difference.
type Simulator struct {
	config *Config
	clock  clock.Clock
	log    *zap.Logger
	sink   Sink

	mu       sync.Mutex
	rng      *rand.Rand
	state    ConnectionState
	gen      uint64
	position int
	waitTime int
	queueGen uint64
	ticker   *clock.Timer
	delayed  map[*clock.Timer]struct{}
}

// NewSimulator returns a stopped Simulator delivering to sink. A nil rng is
// seeded from config.Seed, or from the clock when the seed is zero.
func NewSimulator(config *Config, sink Sink, rng *rand.Rand, clk clock.Clock, log *zap.Logger) *Simulator {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if rng == nil {
		seed := config.Seed
		if seed == 0 {
			seed = clk.Now().UnixNano()
		}
		rng = rand.New(rand.NewSource(seed))
	}
	return &Simulator{
		config:   config,
		clock:    clk,
		log:      log.Named("simulator"),
		sink:     sink,
		rng:      rng,
		state:    StateDisconnected,
		position: simSeedPosition,
		waitTime: simSeedWaitTime,
		delayed:  make(map[*clock.Timer]struct{}),
	}
}

// Connect "connects" immediately and starts ticking.
func (s *Simulator) Connect(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateConnecting || s.state == StateConnected {
		return
	}
	s.gen++
	s.setStateLocked(StateConnecting)
	s.setStateLocked(StateConnected)
	s.armTickLocked()
	s.log.Info("simulation started", zap.Duration("tick", s.config.SimulationTick))
}

// Close stops ticking and cancels every delayed emission.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	for t := range s.delayed {
		t.Stop()
	}
	s.delayed = make(map[*clock.Timer]struct{})
	s.setStateLocked(StateDisconnected)
	return nil
}

// Send acknowledges every command without effect.
func (s *Simulator) Send(ctx context.Context, cmd Command) error {
	s.log.Debug("simulated send", zap.String("type", cmd.Type))
	return nil
}

// Subscribe is a no-op; the simulator emits on every channel.
func (s *Simulator) Subscribe(ctx context.Context, channels ...Channel) error { return nil }

// Unsubscribe is a no-op.
func (s *Simulator) Unsubscribe(ctx context.Context, channel Channel) error { return nil }

// Subscribed is always true.
func (s *Simulator) Subscribed(Channel) bool { return true }

// Simulated is true.
func (s *Simulator) Simulated() bool { return true }

// State returns the simulated connection state.
func (s *Simulator) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reset puts the simulated queue back at its seed position. A pending
// queue_called from the previous queue is dropped.
func (s *Simulator) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.position = simSeedPosition
	s.waitTime = simSeedWaitTime
	s.queueGen++
}

func (s *Simulator) armTickLocked() {
	gen := s.gen
	s.ticker = s.clock.AfterFunc(s.config.SimulationTick, func() { s.tick(gen) })
}

func (s *Simulator) tick(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	events := s.stepLocked()
	s.armTickLocked()
	s.mu.Unlock()

	s.emit(events...)
}

// stepLocked draws this tick's random outcomes, in a fixed order so a
// seeded source replays identically.
func (s *Simulator) stepLocked() []Event {
	now := s.clock.Now()
	var events []Event

	if s.rng.Float64() > simAdvanceAbove && s.position > 1 {
		s.position--
		s.waitTime = max(0, s.waitTime-simWaitStep)

		alert := &AlertPayload{
			Type:      "position_update",
			Message:   fmt.Sprintf("Queue moved up: %d ahead of you.", s.position),
			Timestamp: &now,
		}
		if s.position == 1 {
			alert.Type = "next_up"
			alert.Message = "You're next! Please make your way to the check-in desk."
		}
		events = append(events, QueueUpdateEvent{
			Position:        intPtr(s.position),
			WaitTimeMinutes: intPtr(s.waitTime),
			Status:          QueueWaiting,
			Alert:           alert,
		})

		if s.position == 1 {
			queueGen := s.queueGen
			s.laterLocked(simCalledDelay, func(at time.Time) Event {
				if queueGen != s.queueGen {
					return nil
				}
				return QueueCalledEvent{Alert: &AlertPayload{
					Type:      "called",
					Message:   "It's your turn! Please proceed to the front desk.",
					Urgent:    true,
					Timestamp: &at,
				}}
			})
		}
	}

	if s.rng.Float64() < simMessageBelow {
		sender := simCareTeam[s.rng.Intn(len(simCareTeam))]
		content := simMessages[s.rng.Intn(len(simMessages))]
		msg := Message{
			ID:             s.newIDLocked(),
			ConversationID: SimulatedConversation,
			SenderID:       sender.id,
			SenderName:     sender.name,
			Content:        content,
			Timestamp:      now,
		}
		events = append(events,
			NewMessageEvent{Message: msg},
			NotificationEvent{Notification: Notification{
				ID:        s.newIDLocked(),
				Type:      "message",
				Title:     "New message from " + sender.name,
				Message:   content,
				Timestamp: now,
			}},
		)
	}

	if s.rng.Float64() < simTypingBelow {
		typing := TypingEvent{ConversationID: SimulatedConversation, UserID: simCareTeam[0].id, IsTyping: true}
		events = append(events, typing)
		s.laterLocked(simTypingWindow, func(time.Time) Event {
			stopped := typing
			stopped.IsTyping = false
			return stopped
		})
	}

	return events
}

// laterLocked emits the event built by build after d, unless the simulator
// is closed first. build runs with s.mu held and may return nil to emit
// nothing.
func (s *Simulator) laterLocked(d time.Duration, build func(at time.Time) Event) {
	gen := s.gen
	var t *clock.Timer
	t = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.delayed, t)
		if gen != s.gen || s.state != StateConnected {
			s.mu.Unlock()
			return
		}
		ev := build(s.clock.Now())
		s.mu.Unlock()
		if ev != nil {
			s.emit(ev)
		}
	})
	s.delayed[t] = struct{}{}
}

// newIDLocked draws a UUID from the seeded source.
func (s *Simulator) newIDLocked() string {
	id, err := uuid.NewRandomFromReader(s.rng)
	if err != nil {
		return fmt.Sprintf("sim-%d", s.clock.Now().UnixNano())
	}
	return id.String()
}

func (s *Simulator) emit(events ...Event) {
	for _, ev := range events {
		data, err := EncodeEvent(ev)
		if err != nil {
			s.log.Error("encode simulated event", zap.String("type", ev.Type()), zap.Error(err))
			continue
		}
		s.sink.HandleFrame(data)
	}
}

func (s *Simulator) setStateLocked(state ConnectionState) {
	if s.state == state {
		return
	}
	s.state = state
	if s.sink != nil {
		s.sink.HandleState(state)
	}
}
