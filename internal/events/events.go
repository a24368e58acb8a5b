// Package events publishes job lifecycle notifications.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Job lifecycle stages.
const (
	JobStarted   = "started"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// JobEvent is the payload published for every lifecycle transition.
type JobEvent struct {
	ProgressID  string    `json:"progressId"`
	Stage       string    `json:"stage"`
	Processed   int       `json:"processed"`
	Total       int       `json:"total"`
	Failed      int       `json:"failed"`
	Message     string    `json:"message,omitempty"`
	DownloadURL string    `json:"downloadUrl,omitempty"`
	HappenedAt  time.Time `json:"happenedAt"`
}

// Publisher delivers job events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, ev JobEvent) error
	Close()
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, JobEvent) error { return nil }
func (Nop) Close()                                  {}

// NATS publishes events as JSON to <subject>.<stage>.
type NATS struct {
	nc      *nats.Conn
	subject string
}

// Connect dials the NATS server with unlimited reconnects.
func Connect(url, subject string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("docmerge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATS{nc: nc, subject: subject}, nil
}

// Subject returns the subject an event is published on.
func (n *NATS) Subject(ev JobEvent) string {
	return n.subject + "." + ev.Stage
}

func (n *NATS) Publish(_ context.Context, ev JobEvent) error {
	if ev.HappenedAt.IsZero() {
		ev.HappenedAt = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.nc.Publish(n.Subject(ev), b)
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() {
	if n.nc != nil {
		_ = n.nc.Drain()
	}
}
