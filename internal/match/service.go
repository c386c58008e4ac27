package match

import (
	"log"
	"sync"
	"time"

	"github.com/strangetalk/voice-app/internal/metrics"
	"github.com/strangetalk/voice-app/internal/protocol"
)

const (
	// DefaultSignalDelay is how long voice-signaling relays are deferred so a
	// just-formed pairing can settle before negotiation traffic arrives.
	DefaultSignalDelay = 100 * time.Millisecond

	// MaxChatLength is the maximum accepted chat message length in bytes.
	MaxChatLength = 2000
)

// EventSink receives matchmaking lifecycle events for external consumers.
// Implementations must not block; all methods are fire-and-forget.
type EventSink interface {
	PairFormed(a, b string)
	PairEnded(a, b string)
	Presence(count int)
}

// Config holds tunable parameters for the matchmaking service.
type Config struct {
	SignalDelay time.Duration // debounce before relaying voice-signaling frames
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{SignalDelay: DefaultSignalDelay}
}

// Service owns the connection registry, the search queue and all partner
// pointers. Every operation that reads or mutates pairing state runs under
// one mutex for its full duration, so the partner-availability check inside
// connect can never race with another pairing mutation.
type Service struct {
	cfg    Config
	events EventSink // optional, may be nil

	mu       sync.Mutex
	registry *registry
	queue    *queue
	pending  map[string][]*pendingSignal // senderID -> deferred signaling relays
}

// NewService creates a matchmaking service. The events sink is optional;
// pass nil to disable event publishing.
func NewService(cfg Config, events EventSink) *Service {
	if cfg.SignalDelay <= 0 {
		cfg.SignalDelay = DefaultSignalDelay
	}
	return &Service{
		cfg:      cfg,
		events:   events,
		registry: newRegistry(),
		queue:    newQueue(),
		pending:  make(map[string][]*pendingSignal),
	}
}

// ---------------------------------------------------------------------------
// Registration / presence
// ---------------------------------------------------------------------------

// Register adds a new connection to the registry in the unpaired,
// not-searching state and broadcasts the updated online count to everyone.
func (s *Service) Register(id string, sender Sender, loc Location) error {
	s.mu.Lock()
	u := &User{ID: id, Location: loc, sender: sender}
	if err := s.registry.add(u); err != nil {
		s.mu.Unlock()
		return err
	}
	count := s.registry.count()
	targets := s.senderSnapshot()
	s.mu.Unlock()

	metrics.ConnectionsOnline.Set(float64(count))
	log.Printf("match: user %s connected (%s, total=%d)", id, loc.Country, count)
	s.broadcastOnlineCount(targets, count)
	return nil
}

// Unregister removes a connection after its transport closed. It atomically
// cancels any pending search, tears down an existing pairing (notifying the
// former partner), removes the user from the queue and then from the
// registry, and broadcasts the decreased online count.
func (s *Service) Unregister(id string) {
	s.mu.Lock()
	u := s.registry.lookup(id)
	if u == nil {
		s.mu.Unlock()
		return
	}

	s.cancelPendingLocked(id)
	if u.partnerID != "" {
		s.teardownLocked(id, u.partnerID)
	}
	// Queue removal must precede registry removal so the queue never holds
	// an id with no backing connection.
	s.queue.remove(id)
	s.registry.remove(id)

	count := s.registry.count()
	qlen := s.queue.size()
	targets := s.senderSnapshot()
	s.mu.Unlock()

	metrics.ConnectionsOnline.Set(float64(count))
	metrics.SearchQueueDepth.Set(float64(qlen))
	log.Printf("match: user %s disconnected (total=%d)", id, count)
	s.broadcastOnlineCount(targets, count)
}

// OnlineCount returns the current number of registered connections.
func (s *Service) OnlineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.count()
}

// senderSnapshot collects the senders of all registered users so presence
// broadcasts can run outside the service lock. Callers must hold the lock.
func (s *Service) senderSnapshot() []Sender {
	users := s.registry.all()
	out := make([]Sender, 0, len(users))
	for _, u := range users {
		out = append(out, u.sender)
	}
	return out
}

// broadcastOnlineCount delivers the count to every connection. A failed send
// to one connection never prevents delivery to the others.
func (s *Service) broadcastOnlineCount(targets []Sender, count int) {
	data, err := protocol.NewMessage(protocol.TypeOnlineCount, protocol.OnlineCountPayload{Count: count})
	if err != nil {
		log.Printf("match: failed to build online-count: %v", err)
		return
	}
	for _, t := range targets {
		_ = t.Send(data)
	}
	if s.events != nil {
		s.events.Presence(count)
	}
}

// ---------------------------------------------------------------------------
// Matching
// ---------------------------------------------------------------------------

// FindPartner enters the requester into matching. If a valid queued candidate
// exists the two are paired immediately; otherwise the requester is enqueued.
// The preferred country is accepted but does not influence selection.
func (s *Service) FindPartner(id, preferredCountry string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.registry.lookup(id)
	if u == nil {
		return
	}
	if preferredCountry != "" {
		log.Printf("match: user %s prefers country=%s (ignored, FIFO matching)", id, preferredCountry)
	}
	s.searchLocked(u, false)
}

// NextPartner tears down the requester's current pairing, if any, and
// immediately re-enters matching. If no candidate is available the requester
// is enqueued and told it is searching.
func (s *Service) NextPartner(id, preferredCountry string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.registry.lookup(id)
	if u == nil {
		return
	}
	if u.partnerID != "" {
		s.teardownLocked(id, u.partnerID)
	}
	s.searchLocked(u, true)
}

// Disconnect tears down the requester's current pairing. It is idempotent:
// disconnecting an unpaired user has no effect.
func (s *Service) Disconnect(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.registry.lookup(id)
	if u == nil || u.partnerID == "" {
		return
	}
	s.teardownLocked(id, u.partnerID)
}

// searchLocked marks the user searching, then either pairs it with the
// longest-waiting valid candidate or enqueues it. notifySearching is set for
// next-partner requests, whose clients expect an explicit searching signal
// when requeued.
func (s *Service) searchLocked(u *User, notifySearching bool) {
	u.searching = true

	for {
		cid := s.queue.candidateFor(u.ID, func(id string) bool {
			c := s.registry.lookup(id)
			return c != nil && c.searching && c.partnerID == ""
		})
		if cid == "" {
			break
		}
		c := s.registry.lookup(cid)
		if s.connectLocked(u, c) {
			return
		}
		if u.partnerID != "" {
			// The requester is already paired; the candidate is still valid
			// and stays queued.
			return
		}
		// The candidate was claimed between selection and connection. Drop
		// the stale queue entry and rescan with the requester still searching.
		s.queue.remove(cid)
	}

	s.queue.enqueue(u.ID)
	metrics.SearchQueueDepth.Set(float64(s.queue.size()))
	log.Printf("match: user %s queued (queue=%d)", u.ID, s.queue.size())

	if notifySearching {
		s.sendMessage(u, protocol.TypeSearching, nil)
	}
}

// connectLocked establishes the pairing between r and c. The precondition
// that neither side has a partner is re-checked here; a violation aborts the
// attempt silently and returns false.
func (s *Service) connectLocked(r, c *User) bool {
	if r == nil || c == nil {
		return false
	}
	if r.partnerID != "" || c.partnerID != "" {
		log.Printf("match: connect aborted, %s or %s already paired", r.ID, c.ID)
		return false
	}

	r.partnerID = c.ID
	c.partnerID = r.ID
	r.searching = false
	c.searching = false
	s.queue.remove(r.ID)
	s.queue.remove(c.ID)

	metrics.SearchQueueDepth.Set(float64(s.queue.size()))
	metrics.ActivePairs.Inc()
	metrics.PairsFormed.Inc()
	log.Printf("match: paired %s (%s) with %s (%s)", r.ID, r.Location.Country, c.ID, c.Location.Country)

	s.sendMessage(r, protocol.TypeUserConnected, protocol.UserConnectedPayload{
		PartnerID:      c.ID,
		PartnerCountry: c.Location.Country,
		PartnerFlag:    c.Location.Flag,
	})
	s.sendMessage(c, protocol.TypeUserConnected, protocol.UserConnectedPayload{
		PartnerID:      r.ID,
		PartnerCountry: r.Location.Country,
		PartnerFlag:    r.Location.Flag,
	})

	if s.events != nil {
		s.events.PairFormed(r.ID, c.ID)
	}
	return true
}

// teardownLocked clears the pairing between the two ids and notifies both
// sides. Either side may already be gone; missing users and failed sends are
// tolerated silently.
func (s *Service) teardownLocked(aID, bID string) {
	for _, id := range []string{aID, bID} {
		u := s.registry.lookup(id)
		if u == nil {
			continue
		}
		u.partnerID = ""
		u.searching = false
		s.cancelPendingLocked(id)
		s.sendMessage(u, protocol.TypeUserDisconnected, nil)
	}

	metrics.ActivePairs.Dec()
	log.Printf("match: pairing %s <-> %s torn down", aID, bID)
	if s.events != nil {
		s.events.PairEnded(aID, bID)
	}
}

// sendMessage builds and sends an outbound message to the user. Send
// failures are logged and swallowed; the heartbeat and read loop own dead
// connection cleanup.
func (s *Service) sendMessage(u *User, msgType string, payload interface{}) {
	data, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		log.Printf("match: failed to build %q for %s: %v", msgType, u.ID, err)
		return
	}
	if err := u.sender.Send(data); err != nil {
		log.Printf("match: failed to send %q to %s: %v", msgType, u.ID, err)
	}
}
