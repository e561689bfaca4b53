package notesync

import (
	"sync"

	"notehub/api/internal/util"
)

var (
	tabOnce sync.Once
	tabID   string
)

// ProcessTabID returns this process's browsing-context identifier. It is
// generated once, on first use, and never changes for the lifetime of the
// process. Bridges attach it to every outgoing message and use it to reject
// self-originated messages on receipt.
//
// Surfaces that represent a remote browsing context (a websocket connection,
// a REST caller holding its own tab id) should inject their own id via
// WithTabID instead of sharing this one.
func ProcessTabID() string {
	tabOnce.Do(func() {
		tabID = util.NewTimedID("tab")
	})
	return tabID
}
