package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Polling mode constants.
const (
	PollRAF      = "raf"
	PollMutation = "mutation"
	PollInterval = "interval"
)

// ErrInvalidPolling is returned when a polling mode is neither "raf",
// "mutation", nor a strictly positive interval.
var ErrInvalidPolling = errors.New("invalid polling mode")

// Polling selects the strategy used inside the execution environment to
// detect that a predicate has become true.
type Polling struct {
	Mode     string
	Interval time.Duration // set only when Mode is PollInterval
}

// PollingRAF polls on every frame callback.
func PollingRAF() Polling {
	return Polling{Mode: PollRAF}
}

// PollingMutation polls on every mutation notification batch.
func PollingMutation() Polling {
	return Polling{Mode: PollMutation}
}

// PollingEvery polls on a fixed cadence.
func PollingEvery(interval time.Duration) Polling {
	return Polling{Mode: PollInterval, Interval: interval}
}

// Validate reports whether the polling mode is one of the accepted forms.
func (p Polling) Validate() error {
	switch p.Mode {
	case PollRAF, PollMutation:
		return nil
	case PollInterval:
		if p.Interval <= 0 {
			return fmt.Errorf("%w: interval must be positive, got %v", ErrInvalidPolling, p.Interval)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPolling, p.Mode)
	}
}

func (p Polling) String() string {
	if p.Mode == PollInterval {
		return p.Interval.String()
	}
	return p.Mode
}

// ParsePolling interprets a JSON-level polling value: the strings "raf" and
// "mutation", or a strictly positive number of milliseconds.
func ParsePolling(raw json.RawMessage) (Polling, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case PollRAF:
			return PollingRAF(), nil
		case PollMutation:
			return PollingMutation(), nil
		}
		return Polling{}, fmt.Errorf("%w: %q", ErrInvalidPolling, s)
	}

	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil {
		if ms <= 0 {
			return Polling{}, fmt.Errorf("%w: interval must be positive, got %v", ErrInvalidPolling, ms)
		}
		return PollingEvery(time.Duration(ms * float64(time.Millisecond))), nil
	}

	return Polling{}, fmt.Errorf(`%w: expected "raf", "mutation", or a number of milliseconds`, ErrInvalidPolling)
}
