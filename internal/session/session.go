// Package session pairs execution environments with wait worlds and keeps
// the registry of live sessions.
package session

import (
	"time"

	"github.com/seantiz/vigil/internal/page"
	"github.com/seantiz/vigil/internal/remote/cdp"
	"github.com/seantiz/vigil/internal/wait"
)

// Kind distinguishes the two environment flavors a session can host.
type Kind string

const (
	// KindPage is an in-process document environment.
	KindPage Kind = "page"
	// KindCDP is a browser reached over the DevTools protocol.
	KindCDP Kind = "cdp"
)

// Session is one environment with its bound wait world.
type Session struct {
	ID        string
	Kind      Kind
	CreatedAt time.Time

	world  *wait.World
	page   *page.Page  // set for KindPage
	client *cdp.Client // set for KindCDP
	target string      // devtools session id, KindCDP only
}

// World exposes the session's wait world.
func (s *Session) World() *wait.World { return s.world }

// Page returns the in-process environment, or nil for remote sessions.
func (s *Session) Page() *page.Page { return s.page }

// Info is the read-only snapshot served over the API.
type Info struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	HasContext  bool      `json:"has_context"`
	Outstanding int       `json:"outstanding_waits"`
}

func (s *Session) info() Info {
	info := Info{
		ID:          s.ID,
		Kind:        s.Kind,
		CreatedAt:   s.CreatedAt,
		HasContext:  s.world.HasContext(),
		Outstanding: s.world.Outstanding(),
	}
	if s.page != nil {
		info.URL = s.page.URL()
	}
	return info
}

// Info returns the session's current snapshot.
func (s *Session) Info() Info { return s.info() }
