package syncclient

import (
	"strings"

	"checklist/api/internal/event"
)

// EchoFilter drops events this client caused itself. When both the event and
// the filter carry a client instance id those are compared, so a second tab
// signed in as the same user still sees the first tab's changes. Otherwise
// the user id is compared with the originator case-insensitively.
type EchoFilter struct {
	identity string
	clientID string
}

func NewEchoFilter(identity, clientID string) *EchoFilter {
	return &EchoFilter{
		identity: strings.TrimSpace(identity),
		clientID: strings.TrimSpace(clientID),
	}
}

// ShouldApply reports whether ev should reach local handlers. Events with no
// originator always apply.
func (f *EchoFilter) ShouldApply(ev event.Event) bool {
	if f == nil || !ev.HasOriginator() {
		return true
	}
	originClient := strings.TrimSpace(ev.OriginClient)
	if f.clientID != "" && originClient != "" {
		return originClient != f.clientID
	}
	originator := strings.TrimSpace(ev.Originator)
	if f.identity == "" || originator == "" {
		return true
	}
	return !strings.EqualFold(originator, f.identity)
}
