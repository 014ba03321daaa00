package validator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/eventrelay/relay/internal/ingress"
	"github.com/eventrelay/relay/internal/policy"
)

func signedEvent(t *testing.T, kind int, content string, createdAt nostr.Timestamp, tags nostr.Tags) *nostr.Event {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}
	evt := &nostr.Event{
		PubKey:    pk,
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := evt.Sign(sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return evt
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []*nostr.Event
}

func (f *fakeBroadcaster) Submit(evt *nostr.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
}

type fakeStorage struct {
	mu     sync.Mutex
	events []*nostr.Event
}

func (f *fakeStorage) Enqueue(evt *nostr.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return true
}

type sentFrame struct {
	connID string
	frame  any
}

type fakeResponder struct {
	mu     sync.Mutex
	frames []sentFrame
}

func (f *fakeResponder) Send(connID string, frame any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, sentFrame{connID: connID, frame: frame})
	return true
}

func (f *fakeResponder) acks() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentFrame, len(f.frames))
	copy(out, f.frames)
	return out
}

type fakeRegistry struct {
	mu          sync.Mutex
	subscribed  []string
	unsubscribed []string
}

func (f *fakeRegistry) Subscribe(connID, subID string, filters []nostr.Filter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, connID+"/"+subID)
}

func (f *fakeRegistry) Unsubscribe(connID, subID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, connID+"/"+subID)
}

type fakeHistorical struct {
	mu      sync.Mutex
	streamed []string
}

func (f *fakeHistorical) Stream(ctx context.Context, connID, subID string, filters []nostr.Filter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamed = append(f.streamed, connID+"/"+subID)
}

func newTestValidator(t *testing.T, cfg Config) (*Validator, *fakeBroadcaster, *fakeStorage, *fakeResponder, *fakeRegistry, *fakeHistorical) {
	t.Helper()
	b := &fakeBroadcaster{}
	s := &fakeStorage{}
	r := &fakeResponder{}
	reg := &fakeRegistry{}
	h := &fakeHistorical{}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.MaxEventBytes == 0 {
		cfg.MaxEventBytes = 500_000
	}
	if cfg.MaxFiltersPerReq == 0 {
		cfg.MaxFiltersPerReq = 10
	}
	v := New(cfg, ingress.New(100, 1000), policy.NewStatic(policy.RelayInfo{}), b, s, r, reg, h, nil)
	return v, b, s, r, reg, h
}

func frameBytes(t *testing.T, parts ...any) []byte {
	t.Helper()
	b, err := json.Marshal(parts)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return b
}

func TestHandleEventAcceptsValidEvent(t *testing.T) {
	v, b, s, r, _, _ := newTestValidator(t, Config{})
	evt := signedEvent(t, 1, "hi", nostr.Timestamp(time.Now().Unix()), nil)

	v.handleEvent(context.Background(), "c1", evt)

	acks := r.acks()
	if len(acks) != 1 {
		t.Fatalf("expected 1 ack, got %d", len(acks))
	}
	frame := acks[0].frame.([]any)
	if frame[0] != "OK" || frame[1] != evt.ID || frame[2] != true {
		t.Fatalf("unexpected ack frame: %v", frame)
	}
	if len(b.events) != 1 {
		t.Fatalf("expected event submitted to broadcast, got %d", len(b.events))
	}
	if len(s.events) != 1 {
		t.Fatalf("expected event enqueued to storage, got %d", len(s.events))
	}
}

func TestHandleEventRejectsBadSignature(t *testing.T) {
	v, b, s, r, _, _ := newTestValidator(t, Config{})
	evt := signedEvent(t, 1, "hi", nostr.Timestamp(time.Now().Unix()), nil)
	evt.Content = "tampered" // invalidates the signature without re-signing

	v.handleEvent(context.Background(), "c1", evt)

	acks := r.acks()
	if len(acks) != 1 {
		t.Fatalf("expected 1 ack, got %d", len(acks))
	}
	frame := acks[0].frame.([]any)
	if frame[2] != false {
		t.Fatalf("expected rejection, got %v", frame)
	}
	if len(b.events) != 0 || len(s.events) != 0 {
		t.Fatalf("tampered event must not reach broadcast or storage")
	}
}

func TestHandleEventEphemeralSkipsStorage(t *testing.T) {
	v, b, s, _, _, _ := newTestValidator(t, Config{})
	evt := signedEvent(t, 20001, "", nostr.Timestamp(time.Now().Unix()), nil)

	v.handleEvent(context.Background(), "c1", evt)

	if len(b.events) != 1 {
		t.Fatalf("ephemeral event should still broadcast")
	}
	if len(s.events) != 0 {
		t.Fatalf("ephemeral event must never reach storage")
	}
}

func TestHandleEventTooOldEphemeralRejected(t *testing.T) {
	v, _, _, r, _, _ := newTestValidator(t, Config{BroadcastMaxAgeSecs: 60})
	old := nostr.Timestamp(time.Now().Add(-time.Hour).Unix())
	evt := signedEvent(t, 20001, "", old, nil)

	v.handleEvent(context.Background(), "c1", evt)

	acks := r.acks()
	frame := acks[0].frame.([]any)
	if frame[2] != false {
		t.Fatalf("too-old ephemeral event should be rejected")
	}
}

func TestHandleEventTooOldRegularSkipsBroadcastButStores(t *testing.T) {
	v, b, s, r, _, _ := newTestValidator(t, Config{BroadcastMaxAgeSecs: 60})
	old := nostr.Timestamp(time.Now().Add(-time.Hour).Unix())
	evt := signedEvent(t, 1, "old note", old, nil)

	v.handleEvent(context.Background(), "c1", evt)

	acks := r.acks()
	frame := acks[0].frame.([]any)
	if frame[2] != true {
		t.Fatalf("too-old regular event is still accepted, just not broadcast")
	}
	if len(b.events) != 0 {
		t.Fatalf("too-old regular event must not be broadcast")
	}
	if len(s.events) != 1 {
		t.Fatalf("too-old regular event must still be stored")
	}
}

func TestHandleEventPolicyBan(t *testing.T) {
	staticPolicy := policy.NewStatic(policy.RelayInfo{})
	evt := signedEvent(t, 1, "hi", nostr.Timestamp(time.Now().Unix()), nil)
	staticPolicy.BanPubKey(evt.PubKey)

	b := &fakeBroadcaster{}
	s := &fakeStorage{}
	r := &fakeResponder{}
	reg := &fakeRegistry{}
	h := &fakeHistorical{}
	v := New(Config{Workers: 1, MaxEventBytes: 500_000, MaxFiltersPerReq: 10},
		ingress.New(100, 1000), staticPolicy, b, s, r, reg, h, nil)

	v.handleEvent(context.Background(), "c1", evt)

	acks := r.acks()
	frame := acks[0].frame.([]any)
	if frame[2] != false {
		t.Fatalf("banned author's event must be rejected")
	}
}

func TestDispatchReqInstallsSubscriptionAndStreams(t *testing.T) {
	v, _, _, _, reg, h := newTestValidator(t, Config{})
	frame := frameBytes(t, "REQ", "sub1", map[string]any{"kinds": []int{1}})

	v.handle(context.Background(), ingress.Item{ConnID: "c1", Frame: frame})

	if len(reg.subscribed) != 1 || reg.subscribed[0] != "c1/sub1" {
		t.Fatalf("expected subscription installed, got %v", reg.subscribed)
	}
	if len(h.streamed) != 1 || h.streamed[0] != "c1/sub1" {
		t.Fatalf("expected historical stream triggered, got %v", h.streamed)
	}
}

func TestDispatchCloseUnsubscribes(t *testing.T) {
	v, _, _, _, reg, _ := newTestValidator(t, Config{})
	frame := frameBytes(t, "CLOSE", "sub1")

	v.handle(context.Background(), ingress.Item{ConnID: "c1", Frame: frame})

	if len(reg.unsubscribed) != 1 || reg.unsubscribed[0] != "c1/sub1" {
		t.Fatalf("expected unsubscribe, got %v", reg.unsubscribed)
	}
}

func TestDispatchMalformedFrameSendsNotice(t *testing.T) {
	v, _, _, r, _, _ := newTestValidator(t, Config{})
	v.handle(context.Background(), ingress.Item{ConnID: "c1", Frame: []byte("not json")})

	acks := r.acks()
	if len(acks) != 1 {
		t.Fatalf("expected a notice frame, got %v", acks)
	}
	frame := acks[0].frame.([]any)
	if frame[0] != "NOTICE" {
		t.Fatalf("expected NOTICE frame, got %v", frame)
	}
}
