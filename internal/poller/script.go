package poller

import (
	"fmt"

	"github.com/seantiz/vigil/internal/model"
	"github.com/seantiz/vigil/internal/remote"
)

// Script renders spec as a self-contained async function declaration for wire
// transports. The function receives the predicate's positional arguments and
// resolves with {done, value}: done false means the poll's timeout flag fired
// before the predicate matched. Predicate exceptions are left to propagate so
// the transport surfaces them as evaluation errors.
func Script(spec Spec) string {
	var predicate string
	switch spec.Predicate.Kind {
	case remote.KindExpression:
		// Bare expressions take no arguments; the wrapper arrow ignores any.
		predicate = fmt.Sprintf("() => (%s)", spec.Predicate.Source)
	default:
		predicate = fmt.Sprintf("(%s)", spec.Predicate.Source)
	}

	var dispatch string
	switch spec.Polling.Mode {
	case model.PollRAF:
		dispatch = "return pollRaf();"
	case model.PollMutation:
		dispatch = "return pollMutation();"
	default:
		dispatch = fmt.Sprintf("return pollInterval(%d);", spec.Polling.Interval.Milliseconds())
	}

	return fmt.Sprintf(pollScript, predicate, spec.Timeout.Milliseconds(), dispatch)
}

// pollScript is the environment-side poll loop. Format arguments: predicate
// expression, timeout in milliseconds (0 = none), dispatch statement.
const pollScript = `async function (...args) {
  const predicate = %s;
  const timeout = %d;
  let timedOut = false;
  if (timeout) {
    setTimeout(() => { timedOut = true; }, timeout);
  }
  %s

  function pollMutation() {
    const success = predicate(...args);
    if (success) {
      return Promise.resolve({ done: true, value: success });
    }
    return new Promise(resolve => {
      const observer = new MutationObserver(() => {
        if (timedOut) {
          observer.disconnect();
          resolve({ done: false });
          return;
        }
        const success = predicate(...args);
        if (success) {
          observer.disconnect();
          resolve({ done: true, value: success });
        }
      });
      observer.observe(document, {
        childList: true,
        subtree: true,
        attributes: true,
      });
    });
  }

  function pollRaf() {
    return new Promise(resolve => {
      onRaf();
      function onRaf() {
        if (timedOut) {
          resolve({ done: false });
          return;
        }
        const success = predicate(...args);
        if (success) {
          resolve({ done: true, value: success });
        } else {
          requestAnimationFrame(onRaf);
        }
      }
    });
  }

  function pollInterval(interval) {
    return new Promise(resolve => {
      onTimer();
      function onTimer() {
        if (timedOut) {
          resolve({ done: false });
          return;
        }
        const success = predicate(...args);
        if (success) {
          resolve({ done: true, value: success });
        } else {
          setTimeout(onTimer, interval);
        }
      }
    });
  }
}`
