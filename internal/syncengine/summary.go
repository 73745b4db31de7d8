package syncengine

import "time"

type Reason string

const (
	ReasonInterval  Reason = "interval"
	ReasonReconnect Reason = "reconnect"
	ReasonStartup   Reason = "startup"
	ReasonManual    Reason = "manual"
)

type State int

const (
	Idle State = iota
	Draining
)

func (s State) String() string {
	if s == Draining {
		return "draining"
	}
	return "idle"
}

// Summary describes one drain pass. Held counts rejected records waiting for
// operator review; Deferred counts records still inside their backoff window.
type Summary struct {
	Trigger    Reason    `json:"trigger"`
	Delivered  int       `json:"delivered"`
	Rejected   int       `json:"rejected"`
	Transient  int       `json:"transient"`
	Held       int       `json:"held"`
	Deferred   int       `json:"deferred"`
	Pending    int       `json:"pending"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Err        error     `json:"-"`
}

func (s Summary) Attempted() int {
	return s.Delivered + s.Rejected + s.Transient
}

func (s Summary) Duration() time.Duration {
	if s.FinishedAt.Before(s.StartedAt) {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

func (s Summary) result() string {
	if s.Err != nil {
		return "error"
	}
	return "ok"
}
