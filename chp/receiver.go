// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

package chp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-zeromq/zmq4"
)

// MessageCallback receives every decoded heartbeat, on the receive
// goroutine of the originating subscription.
type MessageCallback func(Message)

// Receiver subscribes to remote heartbeat publishers and hands every
// decoded message to a single callback. One SUB socket and one receive
// goroutine per endpoint.
type Receiver struct {
	callback MessageCallback
	logger   *slog.Logger

	mu            sync.Mutex
	closed        bool
	subscriptions map[string]*subscription
}

type subscription struct {
	socket zmq4.Socket
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReceiver creates a receiver delivering heartbeats to callback.
// Logger nil selects slog.Default().
func NewReceiver(callback MessageCallback, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		callback:      callback,
		logger:        logger.With("component", "chp.receiver"),
		subscriptions: make(map[string]*subscription),
	}
}

// Connect subscribes to the heartbeat publisher at the given endpoint
// URI (tcp://host:port). Subscribing to an endpoint twice is a no-op.
func (r *Receiver) Connect(endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("chp: receiver is closed")
	}
	if _, exists := r.subscriptions[endpoint]; exists {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	socket := zmq4.NewSub(ctx)
	if err := socket.Dial(endpoint); err != nil {
		cancel()
		return fmt.Errorf("subscribing to %s: %w", endpoint, err)
	}
	if err := socket.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		socket.Close()
		cancel()
		return fmt.Errorf("setting subscription filter for %s: %w", endpoint, err)
	}

	sub := &subscription{socket: socket, cancel: cancel, done: make(chan struct{})}
	r.subscriptions[endpoint] = sub
	go r.receiveLoop(endpoint, sub)

	r.logger.Debug("subscribed", "endpoint", endpoint)
	return nil
}

// Disconnect drops the subscription for the given endpoint, if any.
func (r *Receiver) Disconnect(endpoint string) {
	r.mu.Lock()
	sub, exists := r.subscriptions[endpoint]
	if exists {
		delete(r.subscriptions, endpoint)
	}
	r.mu.Unlock()

	if exists {
		sub.close()
		r.logger.Debug("unsubscribed", "endpoint", endpoint)
	}
}

// Endpoints returns a snapshot of the currently subscribed endpoint
// URIs.
func (r *Receiver) Endpoints() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	endpoints := make([]string, 0, len(r.subscriptions))
	for endpoint := range r.subscriptions {
		endpoints = append(endpoints, endpoint)
	}
	return endpoints
}

// Close drops every subscription and rejects further Connect calls.
func (r *Receiver) Close() error {
	r.mu.Lock()
	r.closed = true
	subscriptions := r.subscriptions
	r.subscriptions = make(map[string]*subscription)
	r.mu.Unlock()

	for _, sub := range subscriptions {
		sub.close()
	}
	return nil
}

func (s *subscription) close() {
	s.cancel()
	s.socket.Close()
	<-s.done
}

func (r *Receiver) receiveLoop(endpoint string, sub *subscription) {
	defer close(sub.done)
	for {
		msg, err := sub.socket.Recv()
		if err != nil {
			// Cancelled or closed; anything else is equally terminal
			// for this subscription.
			return
		}
		message, err := FromFrames(msg.Frames)
		if err != nil {
			r.logger.Debug("dropping malformed heartbeat", "endpoint", endpoint, "error", err)
			continue
		}
		r.callback(message)
	}
}
