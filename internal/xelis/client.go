package xelis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/ratelimit"

	"github.com/bardlex/powtoken/internal/contract"
	"github.com/bardlex/powtoken/internal/metrics"
	"github.com/bardlex/powtoken/internal/pow"
	"github.com/bardlex/powtoken/pkg/circuit"
	"github.com/bardlex/powtoken/pkg/errors"
	"github.com/bardlex/powtoken/pkg/log"
	"github.com/bardlex/powtoken/pkg/retry"
)

// Contract storage keys read by Snapshot
const (
	keyBlock      = "block"
	keyDifficulty = "diff"
	keyPrevHash   = "prev_hash"
)

// Config configures a Client
type Config struct {
	NodeURL        string
	WalletURL      string
	WalletUser     string
	WalletPassword string
	// Contract is the hex hash of the deployed PoW contract
	Contract      string
	SubmitEntryID uint16
	MaxGas        uint64
	// RequestTimeout bounds every HTTP round trip
	RequestTimeout time.Duration
	// QueriesPerSecond paces node queries; zero disables the limit
	QueriesPerSecond int
}

// Client queries contract state from the node and submits solutions through
// the wallet. It implements the miner's ChainQuery and Submitter.
type Client struct {
	cfg     Config
	node    *endpoint
	wallet  *endpoint
	limiter ratelimit.Limiter
	logger  *log.Logger
	ids     atomic.Uint64
}

// NewClient creates a Xelis client.
//
// Parameters:
//   - cfg: endpoints, credentials and contract settings
//   - logger: component logger; breaker transitions are logged through it
//
// Returns:
//   - *Client: client ready for use
//   - error: a validation error for missing settings
func NewClient(cfg Config, logger *log.Logger) (*Client, error) {
	if cfg.NodeURL == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "new_client", "node URL is required")
	}
	if cfg.Contract == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "new_client", "contract hash is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}

	c := &Client{
		cfg:     cfg,
		limiter: ratelimit.NewUnlimited(),
		logger:  logger.WithComponent("xelis"),
	}
	if cfg.QueriesPerSecond > 0 {
		c.limiter = ratelimit.New(cfg.QueriesPerSecond)
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	c.node = c.newEndpoint("node", cfg.NodeURL, "", "", httpClient)
	if cfg.WalletURL != "" {
		c.wallet = c.newEndpoint("wallet", cfg.WalletURL, cfg.WalletUser, cfg.WalletPassword, httpClient)
	}
	return c, nil
}

func (c *Client) newEndpoint(name, url, user, password string, httpClient *http.Client) *endpoint {
	return &endpoint{
		name:     name,
		url:      url,
		user:     user,
		password: password,
		http:     httpClient,
		breaker: circuit.New(&circuit.Config{
			Name:            name,
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         10 * time.Second,
			ResetTimeout:    30 * time.Second,
			IsFailure:       circuit.TransportFailure,
			OnStateChange: func(name string, from, to circuit.State) {
				c.logger.Warn("circuit breaker state changed", "endpoint", name, "from", from.String(), "to", to.String())
			},
		}),
		metrics: metrics.NewRPC(name),
		nextID:  func() uint64 { return c.ids.Add(1) },
	}
}

type contractDataParams struct {
	Contract string      `json:"contract"`
	Key      valueOfType `json:"key"`
}

type valueOfType struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

func primitive(kind string, value any) valueOfType {
	return valueOfType{Type: "primitive", Value: valueOfType{Type: kind, Value: value}}
}

type contractDataResult struct {
	Data *struct {
		Value struct {
			Value json.RawMessage `json:"value"`
		} `json:"value"`
	} `json:"data"`
}

// contractData returns the raw primitive stored under key, or nil when the
// key is unset
func (c *Client) contractData(ctx context.Context, key string) (json.RawMessage, error) {
	c.limiter.Take()

	var res contractDataResult
	params := contractDataParams{Contract: c.cfg.Contract, Key: primitive("string", key)}
	if err := c.node.call(ctx, "get_contract_data", params, &res); err != nil {
		return nil, err
	}
	if res.Data == nil || isNull(res.Data.Value.Value) {
		return nil, nil
	}
	return res.Data.Value.Value, nil
}

// BlockNumber returns the contract's current block number
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	raw, err := c.contractData(ctx, keyBlock)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	n, err := parseUint64(raw)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeRPC, "get_contract_data", "invalid block number").
			WithContext("raw", string(raw))
	}
	return n, nil
}

// Snapshot reads block, difficulty and prev_hash from contract storage. The
// node exposes no timestamp or supply, so those fields stay zero and the
// status is always active; exhaustion surfaces through the submit result.
func (c *Client) Snapshot(ctx context.Context) (contract.Snapshot, error) {
	var snap contract.Snapshot

	block, err := c.BlockNumber(ctx)
	if err != nil {
		return snap, err
	}
	snap.BlockNumber = block

	raw, err := c.contractData(ctx, keyDifficulty)
	if err != nil {
		return snap, err
	}
	if raw == nil {
		return snap, errors.New(errors.ErrorTypeRPC, "get_contract_data", "difficulty is not set").WithRetryable(true)
	}
	diff, err := parseUint256(raw)
	if err != nil {
		return snap, errors.Wrap(err, errors.ErrorTypeRPC, "get_contract_data", "invalid difficulty").
			WithContext("raw", string(raw))
	}
	snap.Difficulty = *diff

	raw, err = c.contractData(ctx, keyPrevHash)
	if err != nil {
		return snap, err
	}
	if raw != nil {
		var blob struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(raw, &blob); err != nil {
			return snap, errors.Wrap(err, errors.ErrorTypeRPC, "get_contract_data", "invalid prev_hash")
		}
		if blob.Value != "" {
			if snap.PrevHash, err = pow.DigestFromHex(blob.Value); err != nil {
				return snap, errors.Wrap(err, errors.ErrorTypeRPC, "get_contract_data", "invalid prev_hash")
			}
		}
	}

	return snap, nil
}

type invokeContract struct {
	Contract   string        `json:"contract"`
	MaxGas     uint64        `json:"max_gas"`
	EntryID    uint16        `json:"entry_id"`
	Parameters []valueOfType `json:"parameters"`
	Permission string        `json:"permission"`
}

type buildTransactionParams struct {
	InvokeContract invokeContract `json:"invoke_contract"`
	Broadcast      bool           `json:"broadcast"`
}

// Submit builds and broadcasts a submitSolution invocation from the wallet.
// The wallet normally answers before the transaction executes, in which case
// the receipt is not final.
func (c *Client) Submit(ctx context.Context, nonce, timestamp uint64) (contract.Receipt, error) {
	if c.wallet == nil {
		return contract.Receipt{}, errors.New(errors.ErrorTypeValidation, "build_transaction", "wallet URL is not configured")
	}

	params := buildTransactionParams{
		InvokeContract: invokeContract{
			Contract: c.cfg.Contract,
			MaxGas:   c.cfg.MaxGas,
			EntryID:  c.cfg.SubmitEntryID,
			Parameters: []valueOfType{
				primitive("u64", strconv.FormatUint(nonce, 10)),
				primitive("u64", strconv.FormatUint(timestamp, 10)),
			},
			Permission: "all",
		},
		Broadcast: true,
	}

	// only a refused connection is known not to have broadcast anything
	raw, err := retry.DoWithResult(ctx, retry.SubmitConfig(), func(ctx context.Context) (json.RawMessage, error) {
		var raw json.RawMessage
		err := c.wallet.call(ctx, "build_transaction", params, &raw)
		if err != nil {
			var se *errors.ServiceError
			if errors.As(err, &se) {
				se.WithRetryable(errors.Is(err, syscall.ECONNREFUSED))
			}
		}
		return raw, err
	})
	if err != nil {
		return contract.Receipt{}, err
	}

	receipt := parseReceipt(raw)
	c.logger.Debug("transaction built",
		"tx_hash", receipt.TxHash,
		"final", receipt.Final,
		"code", uint64(receipt.Code),
	)
	return receipt, nil
}

// parseReceipt extracts the transaction hash and, when the wallet reports
// it, the contract return code
func parseReceipt(raw json.RawMessage) contract.Receipt {
	var receipt contract.Receipt

	var res struct {
		Hash string `json:"hash"`
		Tx   *struct {
			Result json.RawMessage `json:"result"`
		} `json:"tx"`
		Result      json.RawMessage `json:"result"`
		ReturnValue json.RawMessage `json:"return_value"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return receipt
	}
	receipt.TxHash = res.Hash

	candidates := []json.RawMessage{res.Result, res.ReturnValue}
	if res.Tx != nil {
		candidates = append([]json.RawMessage{res.Tx.Result}, candidates...)
	}
	for _, c := range candidates {
		if len(c) == 0 || isNull(c) {
			continue
		}
		var code uint64
		if err := json.Unmarshal(c, &code); err != nil {
			continue
		}
		receipt.Code = contract.Result(code)
		receipt.Final = true
		break
	}
	return receipt
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// parseUint64 accepts a JSON number or a decimal string
func parseUint64(raw json.RawMessage) (uint64, error) {
	s := unquote(raw)
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid u64 %q: %w", s, err)
	}
	return n, nil
}

func parseUint256(raw json.RawMessage) (*uint256.Int, error) {
	s := unquote(raw)
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid u256 %q: %w", s, err)
	}
	return v, nil
}

func unquote(raw json.RawMessage) string {
	return strings.Trim(strings.TrimSpace(string(raw)), `"`)
}
