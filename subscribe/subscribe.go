// Package subscribe fans out wallet state updates to any number of
// subscribers. Every client gets its own unbounded queue so a slow reader
// never stalls the wallet.
package subscribe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/queue"
)

var (
	// ErrServerShuttingDown is an error returned in case the server is in
	// the process of shutting down.
	ErrServerShuttingDown = errors.New("subscription server shutting down")

	// ErrServerNotStarted is returned when sending an update before the
	// server was started.
	ErrServerNotStarted = errors.New("subscription server not started")

	// ErrClientCancelled is returned by Next once the client no longer
	// receives updates.
	ErrClientCancelled = errors.New("subscription cancelled")
)

// Client is used to get notified about updates the caller has subscribed to.
type Client[T any] struct {
	id uint64

	// cancel should be called in case the client no longer wants to
	// subscribe for updates from the server.
	cancel func()

	updates *queue.ConcurrentQueue
	quit    chan struct{}
}

// Next blocks until the next update is available, the client is cancelled or
// the context is done.
func (c *Client[T]) Next(ctx context.Context) (T, error) {
	var zero T

	select {
	case upd, ok := <-c.updates.ChanOut():
		if !ok {
			return zero, ErrClientCancelled
		}

		return upd.(T), nil

	case <-c.quit:
		return zero, ErrClientCancelled

	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Quit is a channel that will be closed in case the server decides to no
// longer deliver updates to this client.
func (c *Client[T]) Quit() <-chan struct{} {
	return c.quit
}

// Cancel should be called in case the client no longer wants to subscribe for
// updates from the server.
func (c *Client[T]) Cancel() {
	c.cancel()
}

// Server manages a set of subscriptions. Any update will be delivered to all
// active clients, in the order it was sent.
type Server[T any] struct {
	clientCounter atomic.Uint64

	started atomic.Bool
	stopped atomic.Bool

	clients       map[uint64]*Client[T]
	clientUpdates chan *clientUpdate[T]

	updates chan T

	quit chan struct{}
	wg   sync.WaitGroup
}

// clientUpdate is an internal message sent to the subscriptionHandler to
// either register a new client or cancel an existing one.
type clientUpdate[T any] struct {
	// cancel indicates if the update to the client is cancelling an
	// existing client's subscription.
	cancel bool

	clientID uint64

	// client is the new client that will receive updates. Will be nil in
	// case this is a cancellation update.
	client *Client[T]
}

// NewServer returns a new Server.
func NewServer[T any]() *Server[T] {
	return &Server[T]{
		clients:       make(map[uint64]*Client[T]),
		clientUpdates: make(chan *clientUpdate[T]),
		updates:       make(chan T),
		quit:          make(chan struct{}),
	}
}

// Start starts the Server, making it ready to accept subscriptions and
// updates.
func (s *Server[T]) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	s.wg.Add(1)
	go s.subscriptionHandler()

	return nil
}

// Stop stops the server and cancels every client.
func (s *Server[T]) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	close(s.quit)
	s.wg.Wait()

	return nil
}

// Subscribe returns a Client that will receive every update sent after the
// call returns.
func (s *Server[T]) Subscribe() (*Client[T], error) {
	if !s.started.Load() {
		return nil, ErrServerNotStarted
	}

	clientID := s.clientCounter.Add(1)

	client := &Client[T]{
		id:      clientID,
		updates: queue.NewConcurrentQueue(20),
		quit:    make(chan struct{}),
	}
	client.cancel = func() {
		select {
		case s.clientUpdates <- &clientUpdate[T]{
			cancel:   true,
			clientID: clientID,
		}:
		case <-s.quit:
		}
	}

	select {
	case s.clientUpdates <- &clientUpdate[T]{
		clientID: clientID,
		client:   client,
	}:
	case <-s.quit:
		return nil, ErrServerShuttingDown
	}

	return client, nil
}

// SendUpdate is called to send the passed update to all currently active
// subscription clients.
func (s *Server[T]) SendUpdate(update T) error {
	if !s.started.Load() {
		return ErrServerNotStarted
	}

	select {
	case s.updates <- update:
		return nil
	case <-s.quit:
		return ErrServerShuttingDown
	}
}

// subscriptionHandler is the main handler for the Server. It will handle
// incoming updates and subscriptions, and forward the incoming updates to the
// registered clients.
//
// NOTE: MUST be run as a goroutine.
func (s *Server[T]) subscriptionHandler() {
	defer s.wg.Done()

	for {
		select {
		case update := <-s.clientUpdates:
			if update.cancel {
				client, ok := s.clients[update.clientID]
				if ok {
					client.updates.Stop()
					close(client.quit)
					delete(s.clients, update.clientID)
				}

				continue
			}

			update.client.updates.Start()
			s.clients[update.clientID] = update.client

		case upd := <-s.updates:
			for _, client := range s.clients {
				select {
				case client.updates.ChanIn() <- upd:
				case <-client.quit:
				case <-s.quit:
					return
				}
			}

		case <-s.quit:
			for _, client := range s.clients {
				client.updates.Stop()
				close(client.quit)
			}

			return
		}
	}
}
