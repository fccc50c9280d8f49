// Package event mediates notifications between the watcher and the recorder
package event

// Action represents the kind of target change we're notifying
type Action int

const (
	// Delete withdraws a target's summary
	Delete Action = iota

	// Upsert records a target's fresh summary
	Upsert
)

// Notification conveys a target's summary upsert or withdrawal
type Notification struct {
	Action Action
	Key    string
	Kind   string
	Object []byte
}

// Notifier mediates notifications between the watcher and the recorder
type Notifier interface {
	Send(notif *Notification)
	ReadChan() <-chan Notification
}

// Unbuffered implements Notifier
type Unbuffered struct {
	c chan Notification
}

// New creates a new event.Unbuffered
func New() *Unbuffered {
	return &Unbuffered{
		c: make(chan Notification),
	}
}

// Send sends a notification
func (n *Unbuffered) Send(notif *Notification) {
	n.c <- *notif
}

// ReadChan returns a channel to read notifications from
func (n *Unbuffered) ReadChan() <-chan Notification {
	return n.c
}
