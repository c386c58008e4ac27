package match

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/strangetalk/voice-app/internal/protocol"
)

// fakeSender records every frame delivered to a user so tests can assert on
// outbound traffic without a real WebSocket.
type fakeSender struct {
	mu   sync.Mutex
	msgs [][]byte
	fail bool
}

func (f *fakeSender) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errTestSendFailed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.msgs = append(f.msgs, cp)
	return nil
}

// envelopes parses everything the sender received, in order.
func (f *fakeSender) envelopes(t *testing.T) []*protocol.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Envelope, 0, len(f.msgs))
	for _, m := range f.msgs {
		env, err := protocol.ParseEnvelope(m)
		if err != nil {
			t.Fatalf("sender received unparseable frame %q: %v", m, err)
		}
		out = append(out, env)
	}
	return out
}

// lastOfType returns the most recent envelope of the given type, or nil.
func (f *fakeSender) lastOfType(t *testing.T, msgType string) *protocol.Envelope {
	t.Helper()
	envs := f.envelopes(t)
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Type == msgType {
			return envs[i]
		}
	}
	return nil
}

// countOfType returns how many envelopes of the given type were received.
func (f *fakeSender) countOfType(t *testing.T, msgType string) int {
	t.Helper()
	n := 0
	for _, env := range f.envelopes(t) {
		if env.Type == msgType {
			n++
		}
	}
	return n
}

var errTestSendFailed = &sendError{}

type sendError struct{}

func (e *sendError) Error() string { return "send failed" }

// fakeSink records lifecycle events.
type fakeSink struct {
	mu     sync.Mutex
	formed [][2]string
	ended  [][2]string
	counts []int
}

func (s *fakeSink) PairFormed(a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.formed = append(s.formed, [2]string{a, b})
}

func (s *fakeSink) PairEnded(a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, [2]string{a, b})
}

func (s *fakeSink) Presence(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = append(s.counts, count)
}

func newTestService() *Service {
	// Short signal delay keeps debounce tests fast.
	return NewService(Config{SignalDelay: 10 * time.Millisecond}, nil)
}

// registerUser registers a user with a fake sender and fails the test on error.
func registerUser(t *testing.T, s *Service, id string) *fakeSender {
	t.Helper()
	sender := &fakeSender{}
	if err := s.Register(id, sender, Location{Code: "us", Country: "United States", Flag: "🇺🇸"}); err != nil {
		t.Fatalf("failed to register %s: %v", id, err)
	}
	return sender
}

// partnerOf returns the current partner id of the given user.
func partnerOf(t *testing.T, s *Service, id string) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.registry.lookup(id)
	if u == nil {
		t.Fatalf("user %s not registered", id)
	}
	return u.partnerID
}

// ---------- Registration / presence ----------

func TestRegister_BroadcastsOnlineCount(t *testing.T) {
	s := newTestService()
	alice := registerUser(t, s, "alice")
	bob := registerUser(t, s, "bob")

	// Alice saw count=1 on her own join, then count=2 on bob's.
	env := alice.lastOfType(t, protocol.TypeOnlineCount)
	if env == nil {
		t.Fatal("alice never received an online-count")
	}
	var p protocol.OnlineCountPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("bad online-count payload: %v", err)
	}
	if p.Count != 2 {
		t.Errorf("expected count=2, got %d", p.Count)
	}

	if bob.countOfType(t, protocol.TypeOnlineCount) != 1 {
		t.Errorf("bob should have received exactly one online-count")
	}
	if s.OnlineCount() != 2 {
		t.Errorf("expected OnlineCount()=2, got %d", s.OnlineCount())
	}
}

func TestRegister_RejectsDuplicateID(t *testing.T) {
	s := newTestService()
	registerUser(t, s, "alice")

	if err := s.Register("alice", &fakeSender{}, Location{}); err == nil {
		t.Fatal("expected an error registering a duplicate id")
	}
	if s.OnlineCount() != 1 {
		t.Errorf("duplicate register must not change the count, got %d", s.OnlineCount())
	}
}

func TestUnregister_UnknownIDIsNoOp(t *testing.T) {
	s := newTestService()
	registerUser(t, s, "alice")

	s.Unregister("ghost")

	if s.OnlineCount() != 1 {
		t.Errorf("expected count unchanged, got %d", s.OnlineCount())
	}
}

// ---------- Matching ----------

func TestFindPartner_AloneGetsQueued(t *testing.T) {
	s := newTestService()
	alice := registerUser(t, s, "alice")

	s.FindPartner("alice", "")

	if got := partnerOf(t, s, "alice"); got != "" {
		t.Errorf("expected alice unpaired, got partner %q", got)
	}
	s.mu.Lock()
	queued := s.queue.contains("alice")
	s.mu.Unlock()
	if !queued {
		t.Error("expected alice in the search queue")
	}
	if env := alice.lastOfType(t, protocol.TypeUserConnected); env != nil {
		t.Error("alice must not receive user-connected while alone")
	}
}

func TestFindPartner_PairsWithQueuedUser(t *testing.T) {
	s := newTestService()
	alice := registerUser(t, s, "alice")
	bob := registerUser(t, s, "bob")

	s.FindPartner("alice", "")
	s.FindPartner("bob", "")

	if got := partnerOf(t, s, "alice"); got != "bob" {
		t.Errorf("expected alice paired with bob, got %q", got)
	}
	if got := partnerOf(t, s, "bob"); got != "alice" {
		t.Errorf("expected bob paired with alice, got %q", got)
	}

	// Both sides get user-connected carrying the partner's identity.
	env := bob.lastOfType(t, protocol.TypeUserConnected)
	if env == nil {
		t.Fatal("bob never received user-connected")
	}
	var p protocol.UserConnectedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("bad user-connected payload: %v", err)
	}
	if p.PartnerID != "alice" {
		t.Errorf("expected partnerId=alice, got %q", p.PartnerID)
	}
	if p.PartnerCountry != "United States" {
		t.Errorf("expected partnerCountry set, got %q", p.PartnerCountry)
	}
	if alice.lastOfType(t, protocol.TypeUserConnected) == nil {
		t.Error("alice never received user-connected")
	}

	// Both sides left the queue.
	s.mu.Lock()
	qlen := s.queue.size()
	s.mu.Unlock()
	if qlen != 0 {
		t.Errorf("expected empty queue after pairing, got %d entries", qlen)
	}
}

func TestFindPartner_FIFOPicksLongestWaiting(t *testing.T) {
	s := newTestService()
	registerUser(t, s, "alice")
	registerUser(t, s, "bob")
	registerUser(t, s, "carol")

	s.FindPartner("alice", "")
	s.FindPartner("bob", "") // pairs alice-bob
	s.FindPartner("carol", "")

	// carol waits; alice skips and must get carol, the only queued user.
	s.NextPartner("alice", "")

	if got := partnerOf(t, s, "alice"); got != "carol" {
		t.Errorf("expected alice paired with carol, got %q", got)
	}
	if got := partnerOf(t, s, "bob"); got != "" {
		t.Errorf("expected bob unpaired after skip, got %q", got)
	}
}

func TestFindPartner_DuplicateRequestDoesNotDuplicateQueueEntry(t *testing.T) {
	s := newTestService()
	registerUser(t, s, "alice")

	s.FindPartner("alice", "")
	s.FindPartner("alice", "")
	s.FindPartner("alice", "")

	s.mu.Lock()
	snap := s.queue.snapshot()
	s.mu.Unlock()
	if len(snap) != 1 || snap[0] != "alice" {
		t.Errorf("expected queue=[alice], got %v", snap)
	}
}

func TestFindPartner_PreferredCountryDoesNotReorder(t *testing.T) {
	s := newTestService()
	registerUser(t, s, "alice")
	registerUser(t, s, "bob")

	s.FindPartner("alice", "")
	s.FindPartner("bob", "jp")

	// Matching is strict FIFO; the preference is accepted and ignored.
	if got := partnerOf(t, s, "bob"); got != "alice" {
		t.Errorf("expected bob paired with alice despite preference, got %q", got)
	}
}

func TestFindPartner_WhilePairedLeavesPairingIntact(t *testing.T) {
	s := newTestService()
	registerUser(t, s, "alice")
	registerUser(t, s, "bob")
	registerUser(t, s, "carol")

	s.FindPartner("alice", "")
	s.FindPartner("bob", "") // pairs alice-bob
	s.FindPartner("carol", "")

	// A paired user asking to find a partner does not steal carol and does
	// not break the existing pairing; only next-partner tears down.
	s.FindPartner("alice", "")

	if got := partnerOf(t, s, "alice"); got != "bob" {
		t.Errorf("expected alice still paired with bob, got %q", got)
	}
	s.mu.Lock()
	carolQueued := s.queue.contains("carol")
	s.mu.Unlock()
	if !carolQueued {
		t.Error("waiting carol must stay queued")
	}
}

func TestFindPartner_UnknownIDIsNoOp(t *testing.T) {
	s := newTestService()
	s.FindPartner("ghost", "")

	s.mu.Lock()
	qlen := s.queue.size()
	s.mu.Unlock()
	if qlen != 0 {
		t.Errorf("unknown user must not be queued, got %d entries", qlen)
	}
}

// ---------- next-partner ----------

func TestNextPartner_TearsDownThenRequeues(t *testing.T) {
	s := newTestService()
	registerUser(t, s, "alice")
	bob := registerUser(t, s, "bob")

	s.FindPartner("alice", "")
	s.FindPartner("bob", "")
	s.NextPartner("bob", "")

	if got := partnerOf(t, s, "alice"); got != "" {
		t.Errorf("expected alice unpaired after bob skipped, got %q", got)
	}
	// Alice (the abandoned side) is told the partner left but is NOT
	// re-entered into matching.
	s.mu.Lock()
	aliceQueued := s.queue.contains("alice")
	bobQueued := s.queue.contains("bob")
	s.mu.Unlock()
	if aliceQueued {
		t.Error("abandoned partner must not be auto-requeued")
	}
	if !bobQueued {
		t.Error("skipping user must be requeued when nobody else is waiting")
	}

	if bob.lastOfType(t, protocol.TypeSearching) == nil {
		t.Error("bob never received the searching notice")
	}
}

func TestNextPartner_WhileUnpairedJustSearches(t *testing.T) {
	s := newTestService()
	bob := registerUser(t, s, "bob")

	s.NextPartner("bob", "")

	s.mu.Lock()
	queued := s.queue.contains("bob")
	s.mu.Unlock()
	if !queued {
		t.Error("expected bob queued")
	}
	if bob.countOfType(t, protocol.TypeUserDisconnected) != 0 {
		t.Error("no teardown notice expected when unpaired")
	}
}

// ---------- disconnect ----------

func TestDisconnect_NotifiesBothSides(t *testing.T) {
	s := newTestService()
	alice := registerUser(t, s, "alice")
	bob := registerUser(t, s, "bob")

	s.FindPartner("alice", "")
	s.FindPartner("bob", "")
	s.Disconnect("alice")

	if got := partnerOf(t, s, "alice"); got != "" {
		t.Errorf("expected alice unpaired, got %q", got)
	}
	if got := partnerOf(t, s, "bob"); got != "" {
		t.Errorf("expected bob unpaired, got %q", got)
	}
	if alice.countOfType(t, protocol.TypeUserDisconnected) != 1 {
		t.Error("alice never received user-disconnected")
	}
	if bob.countOfType(t, protocol.TypeUserDisconnected) != 1 {
		t.Error("bob never received user-disconnected")
	}
}

func TestDisconnect_IsIdempotent(t *testing.T) {
	s := newTestService()
	alice := registerUser(t, s, "alice")
	registerUser(t, s, "bob")

	s.FindPartner("alice", "")
	s.FindPartner("bob", "")
	s.Disconnect("alice")
	s.Disconnect("alice")
	s.Disconnect("alice")

	if n := alice.countOfType(t, protocol.TypeUserDisconnected); n != 1 {
		t.Errorf("expected exactly one user-disconnected, got %d", n)
	}
}

// ---------- transport loss ----------

func TestUnregister_WhilePairedNotifiesPartner(t *testing.T) {
	s := newTestService()
	registerUser(t, s, "alice")
	bob := registerUser(t, s, "bob")

	s.FindPartner("alice", "")
	s.FindPartner("bob", "")
	s.Unregister("alice")

	if got := partnerOf(t, s, "bob"); got != "" {
		t.Errorf("expected bob unpaired after alice vanished, got %q", got)
	}
	if bob.countOfType(t, protocol.TypeUserDisconnected) != 1 {
		t.Error("bob never learned his partner vanished")
	}

	// The survivor saw the decreased count.
	env := bob.lastOfType(t, protocol.TypeOnlineCount)
	if env == nil {
		t.Fatal("bob never received an online-count")
	}
	var p protocol.OnlineCountPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("bad online-count payload: %v", err)
	}
	if p.Count != 1 {
		t.Errorf("expected count=1 after alice left, got %d", p.Count)
	}
}

func TestUnregister_WhileQueuedLeavesNoStaleEntry(t *testing.T) {
	s := newTestService()
	registerUser(t, s, "alice")
	registerUser(t, s, "bob")

	s.FindPartner("alice", "")
	s.Unregister("alice")
	s.FindPartner("bob", "")

	// Alice's queue entry is gone; bob waits instead of pairing with a ghost.
	if got := partnerOf(t, s, "bob"); got != "" {
		t.Errorf("expected bob unpaired, got %q", got)
	}
	s.mu.Lock()
	snap := s.queue.snapshot()
	s.mu.Unlock()
	if len(snap) != 1 || snap[0] != "bob" {
		t.Errorf("expected queue=[bob], got %v", snap)
	}
}

// ---------- chat relay ----------

func TestRelayChat_StampsSenderAndTimestamp(t *testing.T) {
	s := newTestService()
	registerUser(t, s, "alice")
	bob := registerUser(t, s, "bob")

	s.FindPartner("alice", "")
	s.FindPartner("bob", "")

	before := time.Now().UnixMilli()
	s.RelayChat("alice", "hello there")
	after := time.Now().UnixMilli()

	env := bob.lastOfType(t, protocol.TypeChatMessage)
	if env == nil {
		t.Fatal("bob never received the chat message")
	}
	var p protocol.ChatRelayPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("bad chat payload: %v", err)
	}
	if p.Message != "hello there" {
		t.Errorf("unexpected message %q", p.Message)
	}
	if p.FromUserID != "alice" {
		t.Errorf("expected fromUserId=alice, got %q", p.FromUserID)
	}
	if p.Timestamp < before || p.Timestamp > after {
		t.Errorf("timestamp %d outside [%d, %d]", p.Timestamp, before, after)
	}
}

func TestRelayChat_DroppedWithoutPartner(t *testing.T) {
	s := newTestService()
	alice := registerUser(t, s, "alice")

	s.RelayChat("alice", "anyone there?")

	if alice.countOfType(t, protocol.TypeChatMessage) != 0 {
		t.Error("unpaired chat must be dropped, not echoed")
	}
}

func TestRelayChat_RejectsEmptyAndOversized(t *testing.T) {
	s := newTestService()
	registerUser(t, s, "alice")
	bob := registerUser(t, s, "bob")

	s.FindPartner("alice", "")
	s.FindPartner("bob", "")

	s.RelayChat("alice", "")
	big := make([]byte, MaxChatLength+1)
	for i := range big {
		big[i] = 'x'
	}
	s.RelayChat("alice", string(big))

	if n := bob.countOfType(t, protocol.TypeChatMessage); n != 0 {
		t.Errorf("invalid messages must be dropped, bob got %d", n)
	}
}

// ---------- game relay ----------

func TestRelayGame_MergesFromUser(t *testing.T) {
	s := newTestService()
	registerUser(t, s, "alice")
	bob := registerUser(t, s, "bob")

	s.FindPartner("alice", "")
	s.FindPartner("bob", "")
	s.RelayGame("alice", protocol.TypeGameRPS, json.RawMessage(`{"move":"rock"}`))

	env := bob.lastOfType(t, protocol.TypeGameRPS)
	if env == nil {
		t.Fatal("bob never received the game event")
	}
	var p map[string]interface{}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("bad game payload: %v", err)
	}
	if p["move"] != "rock" {
		t.Errorf("original payload field lost: %v", p)
	}
	if p["fromUser"] != "alice" {
		t.Errorf("expected fromUser=alice, got %v", p["fromUser"])
	}
}

func TestRelayGame_DropsMalformedPayload(t *testing.T) {
	s := newTestService()
	registerUser(t, s, "alice")
	bob := registerUser(t, s, "bob")

	s.FindPartner("alice", "")
	s.FindPartner("bob", "")
	s.RelayGame("alice", protocol.TypeGameTicTacToe, json.RawMessage(`[1,2,3]`))

	if bob.countOfType(t, protocol.TypeGameTicTacToe) != 0 {
		t.Error("non-object game payload must be dropped")
	}
}

// ---------- signaling relay ----------

func TestRelaySignal_DeliveredVerbatimAfterDelay(t *testing.T) {
	s := newTestService()
	registerUser(t, s, "alice")
	bob := registerUser(t, s, "bob")

	s.FindPartner("alice", "")
	s.FindPartner("bob", "")

	raw := []byte(`{"type":"voice-offer","payload":{"sdp":"v=0  weird spacing","x":1}}`)
	s.RelaySignal("alice", protocol.TypeVoiceOffer, raw)

	// Not delivered synchronously.
	if bob.countOfType(t, protocol.TypeVoiceOffer) != 0 {
		t.Error("signaling must not be relayed before the delay")
	}

	time.Sleep(50 * time.Millisecond)

	bob.mu.Lock()
	var got []byte
	for _, m := range bob.msgs {
		if string(m) == string(raw) {
			got = m
		}
	}
	bob.mu.Unlock()
	if got == nil {
		t.Fatal("bob never received the exact signaling bytes")
	}
}

func TestRelaySignal_CancelledByTeardown(t *testing.T) {
	s := newTestService()
	registerUser(t, s, "alice")
	bob := registerUser(t, s, "bob")

	s.FindPartner("alice", "")
	s.FindPartner("bob", "")

	s.RelaySignal("alice", protocol.TypeVoiceOffer, []byte(`{"type":"voice-offer","payload":{}}`))
	s.Disconnect("alice")

	time.Sleep(50 * time.Millisecond)

	if bob.countOfType(t, protocol.TypeVoiceOffer) != 0 {
		t.Error("signaling scheduled before teardown must not be delivered")
	}
}

func TestRelaySignal_RepairedToNewPartner(t *testing.T) {
	// The partner is resolved at fire time, not at schedule time. If the
	// sender is re-paired within the delay the frame goes to the new partner.
	s := NewService(Config{SignalDelay: 30 * time.Millisecond}, nil)
	registerUser(t, s, "alice")
	bob := registerUser(t, s, "bob")
	carol := registerUser(t, s, "carol")

	s.FindPartner("alice", "")
	s.FindPartner("bob", "")
	s.FindPartner("carol", "")

	s.RelaySignal("alice", protocol.TypeIceCandidate, []byte(`{"type":"ice-candidate","payload":{"c":"x"}}`))
	s.NextPartner("alice", "") // tears down alice-bob, pairs alice-carol

	time.Sleep(80 * time.Millisecond)

	if bob.countOfType(t, protocol.TypeIceCandidate) != 0 {
		t.Error("old partner must not receive the frame")
	}
	// Teardown cancelled the pending relay, so carol gets nothing either.
	if carol.countOfType(t, protocol.TypeIceCandidate) != 0 {
		t.Error("cancelled frame must not reach the new partner")
	}
}

// ---------- send failures ----------

func TestSendFailure_DoesNotBreakPairing(t *testing.T) {
	s := newTestService()
	registerUser(t, s, "alice")
	bob := registerUser(t, s, "bob")

	s.FindPartner("alice", "")
	s.FindPartner("bob", "")

	bob.mu.Lock()
	bob.fail = true
	bob.mu.Unlock()

	s.RelayChat("alice", "hello?")

	// The pairing survives; dead connection cleanup belongs to the transport.
	if got := partnerOf(t, s, "alice"); got != "bob" {
		t.Errorf("pairing must survive a failed relay, got partner %q", got)
	}
}

// ---------- event sink ----------

func TestEventSink_ReceivesLifecycleEvents(t *testing.T) {
	sink := &fakeSink{}
	s := NewService(Config{SignalDelay: 10 * time.Millisecond}, sink)
	registerUser(t, s, "alice")
	registerUser(t, s, "bob")

	s.FindPartner("alice", "")
	s.FindPartner("bob", "")
	s.Disconnect("bob")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.formed) != 1 {
		t.Fatalf("expected 1 pair.formed, got %d", len(sink.formed))
	}
	if len(sink.ended) != 1 {
		t.Fatalf("expected 1 pair.ended, got %d", len(sink.ended))
	}
	if len(sink.counts) == 0 {
		t.Fatal("expected presence events")
	}
	if last := sink.counts[len(sink.counts)-1]; last != 2 {
		t.Errorf("expected last presence count 2, got %d", last)
	}
}
