package notify

import (
	"fmt"
	"sync"

	zmq "github.com/pebbe/zmq4"

	"github.com/hashlane/gosp/pkg/log"
)

// TopicHashBlock is the ZMQ topic for best-block-change broadcasts,
// mirroring bitcoind's zmqpubhashblock convention.
const TopicHashBlock = "hashblock"

// ZMQNotifier publishes block hashes on a ZMQ PUB socket so local
// consumers (monitoring, solo-mining setups) can react to block changes
// without polling.
type ZMQNotifier struct {
	endpoint string
	logger   *log.Logger

	mu     sync.Mutex
	socket *zmq.Socket
}

// NewZMQNotifier creates and binds a ZMQ PUB notifier.
func NewZMQNotifier(endpoint string, logger *log.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	if err := socket.Bind(endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to bind ZMQ endpoint %s: %w", endpoint, err)
	}

	logger = logger.WithComponent("zmq-notify")
	logger.Info("ZMQ block notifier bound", "endpoint", endpoint)

	return &ZMQNotifier{
		endpoint: endpoint,
		logger:   logger,
		socket:   socket,
	}, nil
}

// BlockChanged publishes the hash under the hashblock topic.
func (z *ZMQNotifier) BlockChanged(prevHash string) {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.socket == nil {
		return
	}

	if _, err := z.socket.SendMessage(TopicHashBlock, prevHash); err != nil {
		z.logger.WithError(err).Warn("failed to publish block change")
		return
	}

	z.logger.Debug("published block change", "prev_hash", prevHash)
}

// Close closes the ZMQ socket.
func (z *ZMQNotifier) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.socket == nil {
		return nil
	}
	err := z.socket.Close()
	z.socket = nil
	return err
}
