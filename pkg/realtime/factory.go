package realtime

import (
	"context"
	"fmt"
	"sync"
)

// AuthenticationError means no valid session was available when a channel was
// requested. It is fatal for that join attempt; nothing was created.
type AuthenticationError struct {
	Topic string
	Err   error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication required for channel %q: %v", e.Topic, e.Err)
	}
	return fmt.Sprintf("authentication required for channel %q", e.Topic)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ChannelFactory creates channels gated on authentication readiness and wires
// their status transitions into the ConnectionPolicy.
type ChannelFactory struct {
	transport Transport
	policy    *ConnectionPolicy
}

// NewChannelFactory builds a factory over the given transport and policy.
func NewChannelFactory(transport Transport, policy *ConnectionPolicy) *ChannelFactory {
	return &ChannelFactory{transport: transport, policy: policy}
}

// ManagedChannel couples a channel with the policy bookkeeping around its
// subscribe lifecycle.
type ManagedChannel struct {
	topic     string
	ch        Channel
	transport Transport
	policy    *ConnectionPolicy
	onChange  func(connected bool)
}

// CreateAuthenticatedChannel waits for authentication, then opens a channel
// for the topic with presence keyed by userID. On auth timeout it returns an
// *AuthenticationError and creates nothing. onChange, if non-nil, observes
// every connected/disconnected transition of the channel.
func (f *ChannelFactory) CreateAuthenticatedChannel(ctx context.Context, topic, userID string, onChange func(bool)) (*ManagedChannel, error) {
	if !f.policy.WaitForAuth(ctx, 0) {
		return nil, &AuthenticationError{Topic: topic}
	}

	ch, err := f.transport.Channel(topic, ChannelConfig{PresenceKey: userID})
	if err != nil {
		return nil, fmt.Errorf("create channel %q: %w", topic, err)
	}

	return &ManagedChannel{
		topic:     topic,
		ch:        ch,
		transport: f.transport,
		policy:    f.policy,
		onChange:  onChange,
	}, nil
}

// Channel exposes the underlying channel for listener registration.
func (mc *ManagedChannel) Channel() Channel { return mc.ch }

// Subscribe activates the channel and blocks until the first status arrives:
// nil on subscribed, an error otherwise. Every status, first and later, feeds
// the policy's success/failure counting and the onChange observer.
func (mc *ManagedChannel) Subscribe(ctx context.Context) error {
	first := make(chan error, 1)
	var once sync.Once

	statusFn := func(st ChannelStatus, cause error) {
		var outcome error
		switch st {
		case StatusSubscribed:
			mc.policy.OnConnectionSuccess(mc.topic)
			if mc.onChange != nil {
				mc.onChange(true)
			}
		case StatusChannelError, StatusTimedOut, StatusClosed:
			mc.policy.OnConnectionFailure(mc.topic)
			if mc.onChange != nil {
				mc.onChange(false)
			}
			if cause != nil {
				outcome = fmt.Errorf("channel %q: %s: %w", mc.topic, st, cause)
			} else {
				outcome = fmt.Errorf("channel %q: %s", mc.topic, st)
			}
		}
		once.Do(func() { first <- outcome })
	}

	if err := mc.ch.Subscribe(ctx, statusFn); err != nil {
		// The subscribe call itself failed; no status will arrive.
		mc.policy.OnConnectionFailure(mc.topic)
		if mc.onChange != nil {
			mc.onChange(false)
		}
		return fmt.Errorf("subscribe channel %q: %w", mc.topic, err)
	}

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unsubscribe tears the channel down and releases it from the transport.
func (mc *ManagedChannel) Unsubscribe(ctx context.Context) error {
	err := mc.ch.Unsubscribe(ctx)
	if rmErr := mc.transport.Remove(mc.ch); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}
