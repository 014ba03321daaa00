// Command import bulk-loads newline-delimited JSON events from a file or
// stdin through the real validator → broadcast/storage pipeline, so
// imported events receive the same policy and signature checks as live
// traffic.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/golang/snappy"

	"github.com/eventrelay/relay/internal/config"
	"github.com/eventrelay/relay/internal/ingress"
	"github.com/eventrelay/relay/internal/logging"
	"github.com/eventrelay/relay/internal/relay"
)

func main() {
	path := flag.String("path", "", "path to a newline-delimited JSON event file; empty reads stdin")
	drainTimeout := flag.Duration("drain-timeout", 30*time.Second, "how long to wait for the ingress queue to drain")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	logging.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	srv, err := relay.New(cfg)
	if err != nil {
		logger.Fatal("failed to build relay server", logging.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)
	defer srv.Stop()

	reader, closeFn, err := openInput(*path)
	if err != nil {
		logger.Fatal("failed to open input", logging.Error(err))
	}
	defer closeFn()

	submitted, err := submitEvents(srv.Queue, reader)
	if err != nil {
		logger.Fatal("failed to read events", logging.Error(err))
	}
	logger.Info("submitted events for import", logging.Int("count", submitted))

	waitForDrain(srv.Queue, *drainTimeout)
	logger.Info("import complete")
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if strings.HasSuffix(path, ".sz") {
		return snappy.NewReader(f), func() { _ = f.Close() }, nil
	}
	return f, func() { _ = f.Close() }, nil
}

func submitEvents(queue *ingress.Queue, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	count := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var raw json.RawMessage
		if err := json.Unmarshal(line, &raw); err != nil {
			fmt.Fprintf(os.Stderr, "skipping malformed line: %v\n", err)
			continue
		}
		frame, err := json.Marshal([]any{"EVENT", raw})
		if err != nil {
			return count, err
		}
		for {
			accepted, _ := queue.Push(ingress.Item{ConnID: "import", Frame: frame})
			if accepted {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		count++
	}
	return count, scanner.Err()
}

func waitForDrain(queue *ingress.Queue, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if queue.Len() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
