// Package notify broadcasts accepted blocks over ZeroMQ PUB/SUB.
package notify

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/powtoken/internal/contract"
	"github.com/bardlex/powtoken/internal/messaging"
	"github.com/bardlex/powtoken/internal/metrics"
	"github.com/bardlex/powtoken/pkg/errors"
	"github.com/bardlex/powtoken/pkg/log"
)

// TopicBlock prefixes every block notification
const TopicBlock = "powtoken.block"

// pollInterval bounds how long a receive blocks before ctx is checked
const pollInterval = 250 * time.Millisecond

// Publisher binds a PUB socket and sends one two-part message per accepted
// block: the topic and the encoded MiningEvent
type Publisher struct {
	mu       sync.Mutex
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewPublisher binds a PUB socket on endpoint
func NewPublisher(endpoint string, logger *log.Logger) (*Publisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to set linger: %w", err)
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_bind", "failed to bind ZMQ endpoint").
			WithContext("endpoint", endpoint)
	}

	logger = logger.WithComponent("zmq_publisher")
	logger.Info("bound ZMQ endpoint", "endpoint", endpoint)
	return &Publisher{socket: socket, endpoint: endpoint, logger: logger}, nil
}

// PublishEvent sends an accepted block to all subscribers. Subscribers that
// are not connected miss it.
func (p *Publisher) PublishEvent(_ context.Context, ev contract.MiningEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.socket.SendMessage(TopicBlock, messaging.MarshalEvent(&ev))
	metrics.ObserveRelay("zmq", err)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_publish", "failed to publish block").
			WithContext("block", ev.BlockNumber)
	}
	p.logger.Debug("published block", "block", ev.BlockNumber)
	return nil
}

// Close closes the socket
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.socket != nil {
		err := p.socket.Close()
		p.socket = nil
		return err
	}
	return nil
}

// Subscriber connects a SUB socket to a Publisher. It implements
// miner.EventSource.
type Subscriber struct {
	endpoint string
	logger   *log.Logger
	buffer   int
}

// NewSubscriber creates a subscriber for endpoint; no socket is opened until
// Subscribe
func NewSubscriber(endpoint string, logger *log.Logger) *Subscriber {
	return &Subscriber{
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq_subscriber"),
		buffer:   16,
	}
}

// Subscribe connects and streams events until ctx is done. The socket is
// owned by the receiving goroutine.
func (s *Subscriber) Subscribe(ctx context.Context) (<-chan contract.MiningEvent, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	setup := func() error {
		if err := socket.SetLinger(0); err != nil {
			return err
		}
		if err := socket.SetRcvtimeo(pollInterval); err != nil {
			return err
		}
		if err := socket.SetSubscribe(TopicBlock); err != nil {
			return err
		}
		return socket.Connect(s.endpoint)
	}
	if err := setup(); err != nil {
		_ = socket.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_subscribe", "failed to connect ZMQ endpoint").
			WithContext("endpoint", s.endpoint)
	}
	s.logger.LogConnection("connected", s.endpoint)

	out := make(chan contract.MiningEvent, s.buffer)
	go func() {
		defer close(out)
		defer func() { _ = socket.Close() }()

		for ctx.Err() == nil {
			msg, err := socket.RecvMessageBytes(0)
			if err != nil {
				if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
					continue
				}
				s.logger.WithError(err).Error("failed to receive ZMQ message")
				continue
			}
			if len(msg) < 2 {
				s.logger.Warn("received malformed ZMQ message", "parts", len(msg))
				continue
			}

			ev, err := messaging.UnmarshalEvent(msg[1])
			if err != nil {
				s.logger.WithError(err).Warn("dropping undecodable block", "topic", string(msg[0]))
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		s.logger.Info("ZMQ listener stopping")
	}()
	return out, nil
}
