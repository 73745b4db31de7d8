package connectivity

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// ParseState accepts the spellings network hooks commonly write.
func ParseState(value string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "online", "up", "1", "true", "connected":
		return Online, nil
	case "offline", "down", "0", "false", "disconnected":
		return Offline, nil
	default:
		return Offline, fmt.Errorf("unknown connectivity state %q", value)
	}
}

type Transition struct {
	From   State
	To     State
	At     time.Time
	Source string
}

func (t Transition) Reconnected() bool {
	return t.From == Offline && t.To == Online
}

// Monitor holds the device's view of connectivity. Transitions are emitted
// once per edge, in the order observations were reported.
type Monitor struct {
	logger *slog.Logger
	now    func() time.Time

	// emitMu serializes Report so handlers observe edges in order. Handlers
	// must not call Report.
	emitMu sync.Mutex

	mu       sync.Mutex
	state    State
	nextID   uint64
	handlers map[uint64]func(Transition)
	subs     map[uint64]chan Transition
}

func NewMonitor(initial State, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Monitor{
		logger:   logger.WithGroup("connectivity"),
		now:      time.Now,
		state:    initial,
		handlers: map[uint64]func(Transition){},
		subs:     map[uint64]chan Transition{},
	}
}

func (m *Monitor) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Report applies an observation. It returns true when the observation
// changed the state.
func (m *Monitor) Report(state State, source string) bool {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if state == m.state {
		m.mu.Unlock()
		return false
	}
	tr := Transition{From: m.state, To: state, At: m.now().UTC(), Source: source}
	m.state = state
	handlers := make([]func(Transition), 0, len(m.handlers))
	for _, id := range sortedKeys(m.handlers) {
		handlers = append(handlers, m.handlers[id])
	}
	subs := make([]chan Transition, 0, len(m.subs))
	for _, ch := range m.subs {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "from", tr.From.String(), "to", tr.To.String(), "source", source)
	for _, ch := range subs {
		offer(ch, tr)
	}
	for _, handler := range handlers {
		handler(tr)
	}
	return true
}

// OnTransition registers handler for every future edge. Handlers run on the
// reporting goroutine.
func (m *Monitor) OnTransition(handler func(Transition)) func() {
	if handler == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[id] = handler
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.handlers, id)
			m.mu.Unlock()
		})
	}
}

// Subscribe returns a channel of future transitions. When the buffer is full
// the oldest queued transition is dropped in favour of the newest.
func (m *Monitor) Subscribe(buffer int) (<-chan Transition, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Transition, buffer)
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs[id] = ch
	m.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.emitMu.Lock()
			defer m.emitMu.Unlock()
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

func offer(ch chan Transition, tr Transition) {
	for {
		select {
		case ch <- tr:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func sortedKeys(handlers map[uint64]func(Transition)) []uint64 {
	keys := make([]uint64, 0, len(handlers))
	for id := range handlers {
		keys = append(keys, id)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
