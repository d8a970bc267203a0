package event

import (
	"fmt"
	"time"
)

// Status is the delivery state of a wrapper.
type Status int

const (
	StatusInit   Status = 0
	StatusFailed Status = 1
	StatusDone   Status = 8
	StatusOver   Status = 9
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "INIT"
	case StatusFailed:
		return "FAILED"
	case StatusDone:
		return "DONE"
	case StatusOver:
		return "OVER"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

// Interface identifies the network path used to reach an instance.
type Interface int

const (
	InterfaceInternal Interface = 0
	InterfaceFrontal  Interface = 1
)

// Wrapper is one delivery unit: a broadcast event addressed to one instance.
// All wrappers created by one broadcast share Token.
type Wrapper struct {
	Token     string          `json:"token"`
	Instance  string          `json:"instance"`
	Interface Interface       `json:"interface"`
	Status    Status          `json:"status"`
	Retry     int             `json:"retry"`
	Severity  Severity        `json:"severity"`
	Creation  time.Time       `json:"creation"`
	Event     *FederatedEvent `json:"event"`
	Result    map[string]any  `json:"result,omitempty"`
}

// Tier is a retry band.
type Tier string

const (
	TierASAP   Tier = "asap"
	TierHourly Tier = "hourly"
	TierDaily  Tier = "daily"
)

// RetryLimit is the top of the daily band; wrappers beyond it are
// permanently failed and only kept for diagnostics.
const RetryLimit = 300

// Range returns the inclusive-exclusive retry-count band of the tier.
func (t Tier) Range() (int, int, error) {
	switch t {
	case TierASAP:
		return 0, 5, nil
	case TierHourly:
		return 5, 150, nil
	case TierDaily:
		return 150, RetryLimit + 1, nil
	}
	return 0, 0, fmt.Errorf("unknown retry tier %q", string(t))
}

// PermanentlyFailed reports whether the wrapper exhausted every retry band.
func (w *Wrapper) PermanentlyFailed() bool {
	return w.Retry > RetryLimit
}
