package xelis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/websocket"

	"github.com/bardlex/powtoken/pkg/log"
)

type staticBlocks struct {
	block atomic.Uint64
	calls atomic.Int32
}

func (s *staticBlocks) BlockNumber(context.Context) (uint64, error) {
	s.calls.Add(1)
	return s.block.Load(), nil
}

// wsServer accepts a subscription and then writes the scripted messages.
// Each connection gets the next script; connections past the last script
// stay open without traffic.
func wsServer(t *testing.T, scripts ...[]string) (string, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := int(conns.Add(1))

		var req struct {
			Method string `json:"method"`
			Params struct {
				Notify struct {
					ContractEvent contractEventFilter `json:"contract_event"`
				} `json:"notify"`
			} `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Method != "subscribe" || req.Params.Notify.ContractEvent.Contract != testContract || req.Params.Notify.ContractEvent.ID != 1 {
			t.Errorf("unexpected subscription %+v", req)
			return
		}

		if n > len(scripts) {
			// hold the connection until the client goes away
			_, _, _ = conn.ReadMessage()
			return
		}
		for _, msg := range scripts[n-1] {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &conns
}

func eventMessage(contractHash string, id uint64, block any) string {
	info := map[string]any{"contract": contractHash, "id": id}
	if block != nil {
		info["block_number"] = block
	}
	b, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"result":  map[string]any{"event": map[string]any{"contract_event": info}},
	})
	return string(b)
}

func TestEventStream_DeliversAndReconnects(t *testing.T) {
	first := []string{
		`{"id":1,"jsonrpc":"2.0","result":true}`,
		eventMessage(testContract, 1, 7),
		eventMessage("ffff", 1, 8),
		eventMessage(testContract, 2, 9),
		`not json`,
		eventMessage(testContract, 1, "10"),
	}
	second := []string{
		`{"id":1,"jsonrpc":"2.0","result":true}`,
		eventMessage(testContract, 1, 11),
	}
	url, conns := wsServer(t, first, second)

	stream, err := NewEventStream(StreamConfig{
		URL:          url,
		Contract:     testContract,
		EventID:      1,
		RetryBackoff: 10 * time.Millisecond,
	}, nil, log.Discard())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := stream.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for _, want := range []uint64{7, 10, 11} {
		select {
		case ev := <-events:
			if ev.BlockNumber != want {
				t.Fatalf("block = %d, want %d", ev.BlockNumber, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for block %d", want)
		}
	}
	if conns.Load() < 2 {
		t.Errorf("expected a reconnect, got %d connections", conns.Load())
	}

	cancel()
	select {
	case _, ok := <-events:
		for ok {
			_, ok = <-events
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event channel not closed after cancel")
	}
}

func TestEventStream_FillsBlockNumberFromNode(t *testing.T) {
	url, _ := wsServer(t, []string{eventMessage(testContract, 1, nil)})
	blocks := &staticBlocks{}
	blocks.block.Store(99)

	stream, _ := NewEventStream(StreamConfig{URL: url, Contract: testContract, EventID: 1, RetryBackoff: time.Hour}, blocks, log.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := stream.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-events:
		if ev.BlockNumber != 99 || blocks.calls.Load() != 1 {
			t.Errorf("block = %d after %d queries", ev.BlockNumber, blocks.calls.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
}

func TestEventStream_DialFailure(t *testing.T) {
	stream, _ := NewEventStream(StreamConfig{URL: "ws://127.0.0.1:1/json_rpc", Contract: testContract, EventID: 1}, nil, log.Discard())
	if _, err := stream.Subscribe(context.Background()); err == nil {
		t.Error("expected dial error")
	}
}

func TestNewEventStream_Validation(t *testing.T) {
	if _, err := NewEventStream(StreamConfig{Contract: testContract}, nil, log.Discard()); err == nil {
		t.Error("missing URL should fail")
	}
}
