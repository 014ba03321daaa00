package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/eventrelay/relay/internal/config"
	"github.com/eventrelay/relay/internal/ingress"
)

func testConfig() *config.Config {
	return &config.Config{
		Address:             ":0",
		AdminAddress:        ":0",
		PingInterval:        time.Hour,
		ValidationWorkers:   1,
		BroadcastWorkers:    1,
		StorageWorkers:      1,
		IngressSoftLimit:    100,
		IngressHardLimit:    1000,
		OutboundSoftLimit:   100,
		OutboundHardLimit:   1000,
		StorageBatchSize:    1,
		StorageFlushMS:      50,
		MaxEventBytes:       500_000,
		MaxFiltersPerReq:    10,
		MaxHistoricalLimit:  5000,
		QueryDeadlineMS:     1000,
		MaxConsecutiveDrops: 5,
		PolicyCacheTTL:      time.Second,
		StorageDriver:       "memory",
		RelayName:           "test relay",
	}
}

func TestServerAcceptsAndBroadcastsEvent(t *testing.T) {
	srv, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)
	defer srv.Stop()

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}
	evt := &nostr.Event{PubKey: pk, CreatedAt: nostr.Timestamp(time.Now().Unix()), Kind: 1, Content: "hi"}
	if err := evt.Sign(sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	frame, err := json.Marshal([]any{"EVENT", evt})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}

	accepted, _ := srv.Queue.Push(ingress.Item{ConnID: "c1", Frame: frame})
	if !accepted {
		t.Fatalf("expected push to be accepted")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		count, _ := srv.Store.Count(ctx, nostr.Filter{Kinds: []int{1}})
		if count == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected the event to be persisted through the full pipeline")
}
