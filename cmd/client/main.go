// Command client is a manual test client: it dials a relay over
// WebSocket, issues a REQ built from flags, and prints EVENT/EOSE/NOTICE
// frames as they arrive.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "ws://127.0.0.1:7447", "relay WebSocket address")
	subID := flag.String("sub", "test-sub", "subscription id")
	kinds := flag.String("kinds", "1", "comma-separated list of kinds to subscribe to")
	limit := flag.Int("limit", 50, "historical result limit")
	timeout := flag.Duration("timeout", 10*time.Second, "how long to keep the connection open")
	flag.Parse()

	filter := map[string]any{"limit": *limit}
	if k := parseKinds(*kinds); len(k) > 0 {
		filter["kinds"] = k
	}

	conn, _, err := websocket.DefaultDialer.Dial(*addr, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	req := []any{"REQ", *subID, filter}
	if err := conn.WriteJSON(req); err != nil {
		fmt.Fprintf(os.Stderr, "failed to send REQ: %v\n", err)
		os.Exit(1)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				fmt.Fprintf(os.Stderr, "connection closed: %v\n", err)
				return
			}
			printFrame(msg)
		}
	}()

	select {
	case <-done:
	case <-time.After(*timeout):
		_ = conn.WriteJSON([]any{"CLOSE", *subID})
	}
}

func printFrame(msg []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(msg, &frame); err != nil || len(frame) == 0 {
		fmt.Printf("raw: %s\n", msg)
		return
	}
	var label string
	_ = json.Unmarshal(frame[0], &label)
	switch label {
	case "EVENT":
		fmt.Printf("EVENT %s\n", msg)
	case "EOSE":
		fmt.Printf("EOSE %s\n", msg)
	case "NOTICE":
		fmt.Printf("NOTICE %s\n", msg)
	case "CLOSED":
		fmt.Printf("CLOSED %s\n", msg)
	default:
		fmt.Printf("%s\n", msg)
	}
}

func parseKinds(raw string) []int {
	var kinds []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		kinds = append(kinds, n)
	}
	return kinds
}
