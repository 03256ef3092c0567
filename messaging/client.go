// Package messaging contains the producers dispatched gateway events are
// published through.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrUnknownClient = errors.New("unknown messaging client")

// Client publishes encoded events onto a message queue.
type Client interface {
	String() string
	Channel() string

	Connect(ctx context.Context, clientName string, args map[string]interface{}) error
	Publish(ctx context.Context, channel string, data []byte) error
	Close() error
}

var (
	clientsMu sync.RWMutex
	clients   = map[string]func() Client{}
)

// Register makes a client available by name to NewClient.
func Register(name string, factory func() Client) {
	clientsMu.Lock()
	clients[name] = factory
	clientsMu.Unlock()
}

// Clients lists the names of all registered clients.
func Clients() []string {
	clientsMu.RLock()
	defer clientsMu.RUnlock()

	names := make([]string, 0, len(clients))
	for name := range clients {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// NewClient returns an unconnected client of the named kind.
func NewClient(name string) (Client, error) {
	clientsMu.RLock()
	factory, ok := clients[name]
	clientsMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClient, name)
	}

	return factory(), nil
}
