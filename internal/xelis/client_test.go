package xelis

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/bardlex/powtoken/internal/contract"
	"github.com/bardlex/powtoken/pkg/errors"
	"github.com/bardlex/powtoken/pkg/log"
)

const testContract = "a5f71cfb9897384da12b69c6abd4a90a3233f6512221028fd60e3e66fb6ae982"

type rpcCall struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	User   string
	Pass   string
}

// fakeRPC answers JSON-RPC requests from a handler keyed by method
type fakeRPC struct {
	mu      sync.Mutex
	calls   []rpcCall
	handler func(call rpcCall) (any, *rpcError)
}

func (f *fakeRPC) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var call rpcCall
	if err := json.Unmarshal(body, &call); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	call.User, call.Pass, _ = r.BasicAuth()

	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	result, rpcErr := f.handler(call)
	resp := map[string]any{"jsonrpc": "2.0", "id": 1}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func contractValue() func(call rpcCall) (any, *rpcError) {
	values := map[string]any{
		"block": map[string]any{"type": "u64", "value": 42},
		"diff":  map[string]any{"type": "u256", "value": "123456789012345678901234567890"},
		"prev_hash": map[string]any{"type": "opaque", "value": map[string]any{
			"type":  "hash",
			"value": "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f",
		}},
	}
	return func(call rpcCall) (any, *rpcError) {
		var p struct {
			Contract string `json:"contract"`
			Key      struct {
				Type  string `json:"type"`
				Value struct {
					Type  string `json:"type"`
					Value string `json:"value"`
				} `json:"value"`
			} `json:"key"`
		}
		_ = json.Unmarshal(call.Params, &p)
		if call.Method != "get_contract_data" || p.Contract != testContract || p.Key.Type != "primitive" || p.Key.Value.Type != "string" {
			return nil, &rpcError{Code: -32602, Message: "bad params"}
		}
		v, ok := values[p.Key.Value.Value]
		if !ok {
			return nil, &rpcError{Code: -32004, Message: "key not found"}
		}
		return map[string]any{"data": map[string]any{"type": "primitive", "value": v}, "topoheight": 10}, nil
	}
}

func newTestClient(t *testing.T, node, wallet http.Handler) *Client {
	t.Helper()
	cfg := Config{
		Contract:       testContract,
		SubmitEntryID:  5,
		MaxGas:         5_000_000,
		WalletUser:     "user",
		WalletPassword: "password",
	}
	if node != nil {
		srv := httptest.NewServer(node)
		t.Cleanup(srv.Close)
		cfg.NodeURL = srv.URL
	} else {
		cfg.NodeURL = "http://127.0.0.1:1"
	}
	if wallet != nil {
		srv := httptest.NewServer(wallet)
		t.Cleanup(srv.Close)
		cfg.WalletURL = srv.URL
	}
	c, err := NewClient(cfg, log.Discard())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestClient_Snapshot(t *testing.T) {
	node := &fakeRPC{handler: contractValue()}
	c := newTestClient(t, node, nil)

	snap, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.BlockNumber != 42 {
		t.Errorf("block = %d", snap.BlockNumber)
	}
	if snap.Difficulty.Dec() != "123456789012345678901234567890" {
		t.Errorf("difficulty = %s", snap.Difficulty.Dec())
	}
	if snap.PrevHash[1] != 1 || snap.PrevHash[31] != 0x1f {
		t.Errorf("prev hash = %s", snap.PrevHash)
	}
	if len(node.calls) != 3 {
		t.Errorf("expected 3 node calls, got %d", len(node.calls))
	}
}

func TestClient_SnapshotUnsetPrevHash(t *testing.T) {
	node := &fakeRPC{handler: func(call rpcCall) (any, *rpcError) {
		var p struct {
			Key struct {
				Value struct {
					Value string `json:"value"`
				} `json:"value"`
			} `json:"key"`
		}
		_ = json.Unmarshal(call.Params, &p)
		switch p.Key.Value.Value {
		case "block":
			return map[string]any{"data": map[string]any{"value": map[string]any{"value": "0"}}}, nil
		case "diff":
			return map[string]any{"data": map[string]any{"value": map[string]any{"value": 10000000}}}, nil
		default:
			return map[string]any{"data": nil}, nil
		}
	}}
	c := newTestClient(t, node, nil)

	snap, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.BlockNumber != 0 || snap.Difficulty.Uint64() != 10_000_000 || !snap.PrevHash.IsZero() {
		t.Errorf("unexpected snapshot %s", &snap)
	}
}

func TestClient_RPCErrorIsNotRetryable(t *testing.T) {
	node := &fakeRPC{handler: func(rpcCall) (any, *rpcError) {
		return nil, &rpcError{Code: -32601, Message: "method not found"}
	}}
	c := newTestClient(t, node, nil)

	_, err := c.BlockNumber(context.Background())
	if err == nil || !errors.IsType(err, errors.ErrorTypeRPC) || errors.IsRetryable(err) {
		t.Errorf("BlockNumber error = %v", err)
	}
}

func TestClient_UnreachableNodeIsRetryable(t *testing.T) {
	c := newTestClient(t, nil, nil)
	_, err := c.Snapshot(context.Background())
	if err == nil || !errors.IsRetryable(err) {
		t.Errorf("Snapshot error = %v, want retryable", err)
	}
}

func TestClient_Submit(t *testing.T) {
	tests := []struct {
		name   string
		result any
		want   contract.Receipt
	}{
		{
			name:   "pending",
			result: map[string]any{"hash": "ab12", "fee": 100},
			want:   contract.Receipt{TxHash: "ab12"},
		},
		{
			name:   "tx result",
			result: map[string]any{"hash": "cd34", "tx": map[string]any{"result": 4}},
			want:   contract.Receipt{TxHash: "cd34", Code: contract.ResultInvalidProof, Final: true},
		},
		{
			name:   "return value",
			result: map[string]any{"return_value": 0},
			want:   contract.Receipt{Code: contract.ResultAccepted, Final: true},
		},
		{
			name:   "result code",
			result: map[string]any{"result": 1},
			want:   contract.Receipt{Code: contract.ResultSupplyExhausted, Final: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wallet := &fakeRPC{handler: func(rpcCall) (any, *rpcError) { return tt.result, nil }}
			c := newTestClient(t, &fakeRPC{handler: contractValue()}, wallet)

			got, err := c.Submit(context.Background(), 18446744073709551615, 1_700_000_000_000)
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if got != tt.want {
				t.Errorf("receipt = %+v, want %+v", got, tt.want)
			}

			call := wallet.calls[0]
			if call.Method != "build_transaction" || call.User != "user" || call.Pass != "password" {
				t.Errorf("unexpected call %+v", call)
			}

			var p buildTransactionParams
			var raw struct {
				InvokeContract struct {
					Parameters []struct {
						Type  string `json:"type"`
						Value struct {
							Type  string `json:"type"`
							Value string `json:"value"`
						} `json:"value"`
					} `json:"parameters"`
				} `json:"invoke_contract"`
			}
			_ = json.Unmarshal(call.Params, &p)
			_ = json.Unmarshal(call.Params, &raw)
			ic := p.InvokeContract
			if ic.Contract != testContract || ic.EntryID != 5 || ic.MaxGas != 5_000_000 || ic.Permission != "all" || !p.Broadcast {
				t.Errorf("unexpected invoke params %+v", p)
			}
			params := raw.InvokeContract.Parameters
			if len(params) != 2 || params[0].Value.Type != "u64" ||
				params[0].Value.Value != "18446744073709551615" || params[1].Value.Value != "1700000000000" {
				t.Errorf("unexpected parameters %+v", params)
			}
		})
	}
}

func TestClient_SubmitWithoutWallet(t *testing.T) {
	c := newTestClient(t, &fakeRPC{handler: contractValue()}, nil)
	if _, err := c.Submit(context.Background(), 1, 2); !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("Submit error = %v", err)
	}
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(Config{Contract: testContract}, log.Discard()); err == nil {
		t.Error("missing node URL should fail")
	}
	if _, err := NewClient(Config{NodeURL: "http://x"}, log.Discard()); err == nil {
		t.Error("missing contract should fail")
	}
}

func TestParseReceipt_Garbage(t *testing.T) {
	if got := parseReceipt(json.RawMessage(`"not an object"`)); got.Final {
		t.Errorf("garbage receipt = %+v", got)
	}
}
