// Package event publishes blob lifecycle notifications.
package event

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hupe1980/blobmgr/blob"
	"github.com/juju/pubsub/v2"
)

// Event names.
const (
	// BlobDeleted carries the repository and the deleted managed blob.
	BlobDeleted = "blobDeleted"
	// ColdStorageContentAvailable carries the document, the download URL
	// and, if known, the expiry of the restored copy.
	ColdStorageContentAvailable = "coldStorageContentAvailable"
)

// Property names used by ColdStorageContentAvailable.
const (
	PropDownloadURL = "downloadUrl"
	PropExpiry      = "expiry"
)

// Event is a lifecycle notification.
type Event struct {
	Name       string
	Repository string
	DocumentID string
	Blob       *blob.Managed
	Properties map[string]any
	Time       time.Time
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Hub is an in-process Publisher fanning events out to subscribers by
// event name. Delivery is asynchronous.
type Hub struct {
	hub    *pubsub.SimpleHub
	logger *slog.Logger
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		hub:    pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{}),
		logger: logger,
	}
}

// Publish implements Publisher.
func (h *Hub) Publish(_ context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	h.logger.Debug("publishing event", "event", e.Name, "repository", e.Repository, "document", e.DocumentID)
	_ = h.hub.Publish(e.Name, e)
	return nil
}

// Subscribe calls fn for every event with the given name until the
// returned function is called.
func (h *Hub) Subscribe(name string, fn func(Event)) (unsubscribe func()) {
	return h.hub.Subscribe(name, func(_ string, data interface{}) {
		if e, ok := data.(Event); ok {
			fn(e)
		}
	})
}

// Recorder is a Publisher keeping every event, for tests and audits.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns the recorded events with the given name, or all events
// if name is empty.
func (r *Recorder) Events(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if name == "" || e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
