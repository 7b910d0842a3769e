package wait

import (
	"errors"
	"fmt"
	"time"
)

// ErrDetached is returned by every outstanding task when the owning frame is
// permanently gone, and by Schedule on a detached world.
var ErrDetached = errors.New("frame detached")

// TimeoutError reports that a wait's local timer fired before its condition
// became true. The timer is independent of the remote environment's clock and
// always wins over any in-flight evaluation.
type TimeoutError struct {
	Title   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("waiting for %s failed: timeout %v exceeded", e.Title, e.Timeout)
}
