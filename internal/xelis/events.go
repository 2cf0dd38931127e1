package xelis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/websocket"

	"github.com/bardlex/powtoken/internal/contract"
	"github.com/bardlex/powtoken/pkg/errors"
	"github.com/bardlex/powtoken/pkg/log"
	"github.com/bardlex/powtoken/pkg/retry"
)

const (
	pingInterval = 20 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

// BlockQuerier returns the contract's current block number
type BlockQuerier interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// StreamConfig configures an EventStream
type StreamConfig struct {
	URL      string
	Contract string
	EventID  uint64
	// RetryBackoff is the pause before reconnecting a dropped stream
	RetryBackoff time.Duration
	// EventBuffer is the capacity of the subscriber channel
	EventBuffer int
}

// EventStream subscribes to contract events over the daemon websocket. Xelis
// notifications do not carry the block number, so it is read back from the
// node for each event.
type EventStream struct {
	cfg    StreamConfig
	blocks BlockQuerier
	dialer *websocket.Dialer
	logger *log.Logger
}

// NewEventStream creates a stream; blocks may be nil when the event payload
// is trusted to carry the block number.
func NewEventStream(cfg StreamConfig, blocks BlockQuerier, logger *log.Logger) (*EventStream, error) {
	if cfg.URL == "" || cfg.Contract == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "new_event_stream", "websocket URL and contract are required")
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 16
	}
	return &EventStream{
		cfg:    cfg,
		blocks: blocks,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger.WithComponent("xelis_events"),
	}, nil
}

type subscribeParams struct {
	Notify struct {
		ContractEvent contractEventFilter `json:"contract_event"`
	} `json:"notify"`
}

type contractEventFilter struct {
	Contract string `json:"contract"`
	ID       uint64 `json:"id"`
}

type notification struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type contractEventNotification struct {
	Event struct {
		ContractEvent *struct {
			Contract    string          `json:"contract"`
			ID          uint64          `json:"id"`
			BlockNumber json.RawMessage `json:"block_number"`
			Topoheight  uint64          `json:"topoheight"`
		} `json:"contract_event"`
	} `json:"event"`
}

// Subscribe dials the websocket and streams events until ctx is cancelled.
// A dropped connection is re-established after RetryBackoff; the returned
// channel closes only when ctx is done.
func (s *EventStream) Subscribe(ctx context.Context) (<-chan contract.MiningEvent, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan contract.MiningEvent, s.cfg.EventBuffer)
	go func() {
		defer close(out)
		for {
			err := s.stream(ctx, conn, out)
			if ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).Warn("websocket error, reconnecting", "backoff", s.cfg.RetryBackoff)

			for {
				if retry.Sleep(ctx, s.cfg.RetryBackoff) != nil {
					return
				}
				if conn, err = s.connect(ctx); err == nil {
					break
				}
				s.logger.WithError(err).Warn("websocket reconnect failed")
			}
		}
	}()
	return out, nil
}

func (s *EventStream) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := s.dialer.Dial(s.cfg.URL, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "subscribe", "websocket dial failed").
			WithContext("url", s.cfg.URL)
	}

	var params subscribeParams
	params.Notify.ContractEvent = contractEventFilter{Contract: s.cfg.Contract, ID: s.cfg.EventID}
	req := rpcRequest{JSONRPC: jsonRPCVersion, ID: 1, Method: "subscribe", Params: params}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(req); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "subscribe", "failed to send subscription")
	}
	if ctx.Err() != nil {
		_ = conn.Close()
		return nil, ctx.Err()
	}

	s.logger.LogConnection("connected", s.cfg.URL)
	s.logger.Info("subscribed to contract events", "contract", s.cfg.Contract, "event_id", s.cfg.EventID)
	return conn, nil
}

// stream reads notifications from conn until it fails or ctx is done
func (s *EventStream) stream(ctx context.Context, conn *websocket.Conn, out chan<- contract.MiningEvent) error {
	var once sync.Once
	closeConn := func() { once.Do(func() { _ = conn.Close() }) }
	defer closeConn()

	done := make(chan struct{})
	defer close(done)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// unblocks ReadMessage
				closeConn()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					closeConn()
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeNetwork, "subscribe", "websocket read failed")
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		ev, ok, err := s.parse(ctx, msg)
		if err != nil {
			s.logger.WithError(err).Warn("dropping contract event")
			continue
		}
		if !ok {
			continue
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// parse decodes one websocket message. Subscription acknowledgements and
// events for other contracts are skipped.
func (s *EventStream) parse(ctx context.Context, msg []byte) (contract.MiningEvent, bool, error) {
	var ev contract.MiningEvent

	var n notification
	if err := json.Unmarshal(msg, &n); err != nil {
		return ev, false, fmt.Errorf("invalid notification: %w", err)
	}
	if n.Error != nil {
		return ev, false, fmt.Errorf("subscription error: %w", n.Error)
	}
	if isNull(n.Result) || string(n.Result) == "true" || string(n.Result) == "false" {
		return ev, false, nil
	}

	var payload contractEventNotification
	if err := json.Unmarshal(n.Result, &payload); err != nil {
		return ev, false, nil
	}
	info := payload.Event.ContractEvent
	if info == nil || info.Contract != s.cfg.Contract || info.ID != s.cfg.EventID {
		return ev, false, nil
	}

	if !isNull(info.BlockNumber) {
		block, err := parseUint64(info.BlockNumber)
		if err != nil {
			return ev, false, err
		}
		ev.BlockNumber = block
		return ev, true, nil
	}

	if s.blocks == nil {
		return ev, false, fmt.Errorf("event carries no block number")
	}
	block, err := s.blocks.BlockNumber(ctx)
	if err != nil {
		return ev, false, fmt.Errorf("failed to read block number: %w", err)
	}
	ev.BlockNumber = block
	return ev, true, nil
}
