// Package notify defines the transient, toast-style feedback sink used by
// the reconciliation components. Delivery is best effort: a sink that drops
// or fails to display a notification never affects correctness.
package notify

import (
	"log"
	"time"
)

// Notification kinds.
const (
	KindLoading = "loading"
	KindSuccess = "success"
	KindError   = "error"
)

// Notification is one keyed transient message. Pushing a new notification
// with an existing key replaces it. TTL zero means the sink's default.
type Notification struct {
	Key     string
	Kind    string
	Message string
	TTL     time.Duration
}

// Loading builds an in-progress notification.
func Loading(key, message string) Notification {
	return Notification{Key: key, Kind: KindLoading, Message: message}
}

// Success builds a success notification.
func Success(key, message string) Notification {
	return Notification{Key: key, Kind: KindSuccess, Message: message}
}

// Failure builds an error notification with an explicit display duration.
func Failure(key, message string, ttl time.Duration) Notification {
	return Notification{Key: key, Kind: KindError, Message: message, TTL: ttl}
}

// Notifier is the sink interface. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Push(n Notification)
	Dismiss(key string)
	DismissAll()
}

type nop struct{}

func (nop) Push(Notification) {}
func (nop) Dismiss(string)    {}
func (nop) DismissAll()       {}

// Nop returns a sink that discards everything.
func Nop() Notifier {
	return nop{}
}

// OrNop returns n when non-nil, otherwise a discarding sink.
func OrNop(n Notifier) Notifier {
	if n == nil {
		return Nop()
	}
	return n
}

// LogNotifier writes notifications to the process log. It stands in for a
// real UI sink in the server binaries and local development.
type LogNotifier struct {
	component string
}

// NewLog returns a log-backed sink scoped to a component name.
func NewLog(component string) *LogNotifier {
	return &LogNotifier{component: component}
}

func (l *LogNotifier) Push(n Notification) {
	log.Printf("[%s] %s %s: %s", l.component, n.Kind, n.Key, n.Message)
}

func (l *LogNotifier) Dismiss(key string) {
	log.Printf("[%s] dismiss %s", l.component, key)
}

func (l *LogNotifier) DismissAll() {
	log.Printf("[%s] dismiss all", l.component)
}
