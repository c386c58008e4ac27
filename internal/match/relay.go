package match

import (
	"encoding/json"
	"log"
	"time"

	"github.com/strangetalk/voice-app/internal/metrics"
	"github.com/strangetalk/voice-app/internal/protocol"
)

// pendingSignal is a deferred voice-signaling relay. Timers are keyed by
// (sender, message type) so a pairing teardown can cancel relays that have
// not fired yet.
type pendingSignal struct {
	msgType string
	timer   *time.Timer
}

// RelayChat forwards a chat message to the sender's current partner, stamped
// with the sender's id and a server timestamp. Messages from unpaired users,
// empty messages and oversized messages are dropped, never buffered.
func (s *Service) RelayChat(senderID, message string) {
	if message == "" || len(message) > MaxChatLength {
		log.Printf("match: dropping invalid chat message from %s (len=%d)", senderID, len(message))
		metrics.DroppedMessages.WithLabelValues("invalid").Inc()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	partner := s.partnerLocked(senderID)
	if partner == nil {
		log.Printf("match: dropping chat-message from %s, no partner", senderID)
		metrics.DroppedMessages.WithLabelValues("no_partner").Inc()
		return
	}

	data, err := protocol.NewMessage(protocol.TypeChatMessage, protocol.ChatRelayPayload{
		Message:    message,
		FromUserID: senderID,
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		log.Printf("match: failed to build chat relay from %s: %v", senderID, err)
		return
	}
	s.deliverLocked(partner, protocol.TypeChatMessage, data)
}

// RelayGame forwards a game event to the sender's current partner with the
// sender's id merged into the payload under "fromUser".
func (s *Service) RelayGame(senderID, msgType string, payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	partner := s.partnerLocked(senderID)
	if partner == nil {
		log.Printf("match: dropping %s from %s, no partner", msgType, senderID)
		metrics.DroppedMessages.WithLabelValues("no_partner").Inc()
		return
	}

	data, err := protocol.NewGameRelay(msgType, payload, senderID)
	if err != nil {
		log.Printf("match: dropping malformed %s from %s: %v", msgType, senderID, err)
		metrics.DroppedMessages.WithLabelValues("invalid").Inc()
		return
	}
	s.deliverLocked(partner, msgType, data)
}

// RelaySignal schedules a voice-signaling frame (offer/answer/ICE) for
// delivery to the sender's partner after the configured debounce, giving a
// just-formed pairing time to settle. The raw bytes are forwarded verbatim.
// The partner is re-resolved when the timer fires; if the pairing is gone by
// then the frame is dropped.
func (s *Service) RelaySignal(senderID, msgType string, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.registry.lookup(senderID)
	if u == nil {
		return
	}

	p := &pendingSignal{msgType: msgType}
	p.timer = time.AfterFunc(s.cfg.SignalDelay, func() {
		s.fireSignal(senderID, p, raw)
	})
	s.pending[senderID] = append(s.pending[senderID], p)
}

// fireSignal delivers a deferred signaling frame. It runs on the timer
// goroutine, takes the service lock, and resolves the partner at fire time.
func (s *Service) fireSignal(senderID string, p *pendingSignal, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.removePendingLocked(senderID, p) {
		// Cancelled by teardown after the timer fired but before we took
		// the lock.
		return
	}

	partner := s.partnerLocked(senderID)
	if partner == nil {
		log.Printf("match: dropping %s from %s, no partner at fire time", p.msgType, senderID)
		metrics.DroppedMessages.WithLabelValues("no_partner").Inc()
		return
	}
	s.deliverLocked(partner, p.msgType, raw)
}

// removePendingLocked removes the entry from the sender's pending list.
// Returns false if the entry was already cancelled.
func (s *Service) removePendingLocked(senderID string, p *pendingSignal) bool {
	list := s.pending[senderID]
	for i, v := range list {
		if v == p {
			s.pending[senderID] = append(list[:i], list[i+1:]...)
			if len(s.pending[senderID]) == 0 {
				delete(s.pending, senderID)
			}
			return true
		}
	}
	return false
}

// cancelPendingLocked stops and discards all deferred signaling relays for
// the sender. Called on teardown and unregister.
func (s *Service) cancelPendingLocked(senderID string) {
	list := s.pending[senderID]
	if len(list) == 0 {
		return
	}
	for _, p := range list {
		p.timer.Stop()
	}
	delete(s.pending, senderID)
	log.Printf("match: cancelled %d pending signaling relays for %s", len(list), senderID)
}

// partnerLocked resolves the sender's current partner, or nil if the sender
// is unknown or unpaired. Resolution always happens at send time; partner
// references are never cached across operations.
func (s *Service) partnerLocked(senderID string) *User {
	u := s.registry.lookup(senderID)
	if u == nil || u.partnerID == "" {
		return nil
	}
	return s.registry.lookup(u.partnerID)
}

// deliverLocked writes relay bytes to the partner's transport. A failed send
// means the partner is effectively gone; the message is dropped and the
// failure logged, never retried.
func (s *Service) deliverLocked(partner *User, msgType string, data []byte) {
	if err := partner.sender.Send(data); err != nil {
		log.Printf("match: failed to relay %s to %s: %v", msgType, partner.ID, err)
		metrics.DroppedMessages.WithLabelValues("send_failed").Inc()
		return
	}
	metrics.RelayedMessages.WithLabelValues(msgType).Inc()
}
