// Package notifytest provides a recording notifier for tests.
package notifytest

import (
	"slices"
	"sync"

	"github.com/zionsgate/gatekeeper/internal/notify"
)

// Sent is one recorded notification.
type Sent struct {
	Channel notify.Channel
	Message notify.Message
}

// Recorder records notifications synchronously.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
}

var _ notify.Notifier = (*Recorder)(nil)

func (r *Recorder) Notify(channel notify.Channel, msg notify.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sent = append(r.sent, Sent{Channel: channel, Message: msg})
}

// Sent returns every notification in order.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.sent)
}

// On returns the notifications sent to channel.
func (r *Recorder) On(channel notify.Channel) []notify.Message {
	var out []notify.Message
	for _, s := range r.Sent() {
		if s.Channel == channel {
			out = append(out, s.Message)
		}
	}

	return out
}
