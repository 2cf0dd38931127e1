package xelis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bardlex/powtoken/internal/metrics"
	"github.com/bardlex/powtoken/pkg/circuit"
	"github.com/bardlex/powtoken/pkg/errors"
)

const jsonRPCVersion = "2.0"

// maxResponseSize bounds the body read from a JSON-RPC endpoint
const maxResponseSize = 4 << 20

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// endpoint is one JSON-RPC server guarded by its own circuit breaker
type endpoint struct {
	name     string
	url      string
	user     string
	password string
	http     *http.Client
	breaker  *circuit.Breaker
	metrics  *metrics.RPC
	nextID   func() uint64
}

// call performs one request and decodes the result into out
func (e *endpoint) call(ctx context.Context, method string, params, out any) error {
	started := time.Now()
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		return e.roundTrip(ctx, method, params, out)
	})
	e.metrics.Observe(method, err, started)
	return err
}

func (e *endpoint) roundTrip(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: jsonRPCVersion,
		ID:      e.nextID(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, method, "failed to encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, method, "failed to build request").
			WithContext("endpoint", e.name)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.user != "" || e.password != "" {
		req.SetBasicAuth(e.user, e.password)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, method, "request failed").
			WithContext("endpoint", e.name)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, method, "failed to read response").
			WithContext("endpoint", e.name)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return errors.New(errors.ErrorTypeNetwork, method, fmt.Sprintf("server returned %s", resp.Status)).
			WithContext("endpoint", e.name)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.ErrorTypeRPC, method, fmt.Sprintf("server returned %s", resp.Status)).
			WithContext("endpoint", e.name).
			WithContext("status", resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return errors.Wrap(err, errors.ErrorTypeRPC, method, "invalid JSON-RPC response").
			WithRetryable(false)
	}
	if rpcResp.Error != nil {
		return errors.Wrap(rpcResp.Error, errors.ErrorTypeRPC, method, rpcResp.Error.Message).
			WithContext("code", rpcResp.Error.Code).
			WithRetryable(false)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeRPC, method, "unexpected result shape").
			WithRetryable(false)
	}
	return nil
}
