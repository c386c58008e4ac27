// Package events publishes matchmaking lifecycle events to NATS for external
// consumers (analytics, monitoring). The event stream is strictly outbound:
// matching decisions never depend on it, so the single-process matching model
// is unaffected when NATS is absent.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects for the matchmaking event stream.
const (
	SubjectPairFormed = "strangetalk.pair.formed"
	SubjectPairEnded  = "strangetalk.pair.ended"
	SubjectPresence   = "strangetalk.presence"
)

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "strangetalk",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Publisher is a thin wrapper around a NATS connection that emits
// matchmaking events. All publish failures are logged and swallowed; the
// event stream is best effort.
type Publisher struct {
	conn *nats.Conn
}

// pairEvent is the payload for pair.formed and pair.ended events.
type pairEvent struct {
	UserA string `json:"user_a"`
	UserB string `json:"user_b"`
	Ts    int64  `json:"ts"`
}

// presenceEvent is the payload for presence events.
type presenceEvent struct {
	Count int   `json:"count"`
	Ts    int64 `json:"ts"`
}

// NewPublisher connects to NATS with the given config and returns a ready
// publisher. It returns an error if the initial connection fails.
func NewPublisher(config Config) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())
	return &Publisher{conn: nc}, nil
}

// PairFormed emits a pair.formed event.
func (p *Publisher) PairFormed(a, b string) {
	p.publish(SubjectPairFormed, pairEvent{UserA: a, UserB: b, Ts: time.Now().Unix()})
}

// PairEnded emits a pair.ended event.
func (p *Publisher) PairEnded(a, b string) {
	p.publish(SubjectPairEnded, pairEvent{UserA: a, UserB: b, Ts: time.Now().Unix()})
}

// Presence emits the current online count.
func (p *Publisher) Presence(count int) {
	p.publish(SubjectPresence, presenceEvent{Count: count, Ts: time.Now().Unix()})
}

// publish marshals and sends one event, best effort.
func (p *Publisher) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[nats] marshal %s: %v", subject, err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		log.Printf("[nats] publish %s: %v", subject, err)
	}
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] publisher closed")
}
