// Package msg defines the interface for different message brokers.
package msg

import (
	"github.com/mintd/mintd/lib/token"
)

// MsgBroker publishes contract events observed by the service so indexers or front-ends can consume them in real
// time.
type MsgBroker interface {
	Setup(interface{}) error
	Close() error

	// SendTransfer publishes a Transfer event observed on the network named net.
	SendTransfer(net string, ev token.TransferEvent) error
}
