package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/turtacn/rigkeeper/pkg/logger"
)

// Publisher is the part of *nats.Conn the reporter needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSReporter publishes every event as JSON on <prefix>.<phase>.
type NATSReporter struct {
	pub    Publisher
	prefix string
	conn   *nats.Conn
}

// NewNATSReporter wraps an existing publisher.
func NewNATSReporter(pub Publisher, prefix string) *NATSReporter {
	return &NATSReporter{pub: pub, prefix: prefix}
}

// ConnectNATS dials url and returns a reporter owning the connection.
func ConnectNATS(url, prefix string) (*NATSReporter, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("rigkeeper"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	r := NewNATSReporter(nc, prefix)
	r.conn = nc
	return r, nil
}

// Subject returns the subject events of phase are published on.
func (r *NATSReporter) Subject(phase string) string {
	return r.prefix + "." + phase
}

func (r *NATSReporter) Report(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		logger.Log.Error("Events: Marshal failed", "err", err)
		return
	}
	if err := r.pub.Publish(r.Subject(e.Phase), payload); err != nil {
		// Progress is best effort; a broker outage must not stall startup.
		logger.Log.Warn("Events: Publish failed", "subject", r.Subject(e.Phase), "err", err)
	}
}

// Close drains the owned connection, if any.
func (r *NATSReporter) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Drain()
}
