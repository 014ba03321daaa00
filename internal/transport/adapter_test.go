package transport

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eventrelay/relay/internal/ingress"
	"github.com/eventrelay/relay/internal/router"
)

type nopDetacher struct{}

func (nopDetacher) Detach(connID string) {}

func TestAdapterRoundTripsFrames(t *testing.T) {
	queue := ingress.New(100, 1000)
	var adapter *Adapter
	rtr := router.New(10, 20, 5, writerFunc(func(connID string, frames []any) error {
		return adapter.Write(connID, frames)
	}), nopDetacher{})
	adapter = NewAdapter(Config{PingInterval: time.Hour}, nil, queue, rtr)

	server := httptest.NewServer(adapter)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`["EVENT",{"kind":1}]`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if queue.Len() > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected frame to reach the ingress queue")
}

type writerFunc func(connID string, frames []any) error

func (f writerFunc) Write(connID string, frames []any) error { return f(connID, frames) }
