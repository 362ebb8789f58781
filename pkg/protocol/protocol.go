// Package protocol implements the requester side of the query and keyring
// protocols. Both publish a request and then wait, bounded by a timeout,
// for a matching response from whichever nodes choose to serve. Silence is
// the only negative answer, so a timeout is reported as ErrNotFound.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pkgman/pkg/codec"
	"pkgman/pkg/pubsub"
	"pkgman/pkg/types"
)

// Topic names are a protocol contract shared by every node.
const (
	TopicQuery         = "pkgman_sub_query"
	TopicQueryResponse = "pkgman_sub_query_response"
	TopicKeyringQuery  = "pkgman_sub_keyring_query"
	TopicKeyring       = "pkgman_sub_keyring"

	// KeyringTrigger is the payload published on TopicKeyringQuery.
	KeyringTrigger = "KEYRING_QUERY"
)

// DefaultTimeout bounds each wait for a response.
const DefaultTimeout = 3 * time.Second

// ErrNotFound means no matching response arrived before the timeout.
var ErrNotFound = errors.New("not found")

// Client issues protocol requests over a transport.
type Client struct {
	transport pubsub.Transport
	timeout   time.Duration
	logger    *zap.Logger
}

// NewClient creates a client waiting up to timeout per request. A
// non-positive timeout selects DefaultTimeout.
func NewClient(transport pubsub.Transport, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{transport: transport, timeout: timeout, logger: logger}
}

// Timeout is the per-request wait bound.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Query resolves a package name to the first matching record any node
// publishes. Responses for other names and undecodable payloads are
// ignored. There is no retry: on timeout it returns ErrNotFound.
func (c *Client) Query(ctx context.Context, name string) (types.PackageRecord, error) {
	var rec types.PackageRecord
	err := c.request(ctx, TopicQueryResponse, TopicQuery, []byte(name), func(msg pubsub.Message) bool {
		decoded, err := codec.DecodeRecord(msg.Data)
		if err != nil {
			c.logger.Debug("Ignoring undecodable query response",
				zap.String("from", msg.From), zap.Error(err))
			return false
		}
		if decoded.Name != name {
			return false
		}
		rec = decoded
		return true
	})
	if err != nil {
		return types.PackageRecord{}, fmt.Errorf("query %q: %w", name, err)
	}
	return rec, nil
}

// RequestKeyring asks the network for its keyring and returns the first
// candidate list received. The entries are unverified.
func (c *Client) RequestKeyring(ctx context.Context) ([]types.KeyringEntry, error) {
	var entries []types.KeyringEntry
	err := c.request(ctx, TopicKeyring, TopicKeyringQuery, []byte(KeyringTrigger), func(msg pubsub.Message) bool {
		decoded, err := codec.DecodeKeyring(msg.Data)
		if err != nil {
			c.logger.Debug("Ignoring undecodable keyring response",
				zap.String("from", msg.From), zap.Error(err))
			return false
		}
		entries = decoded
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("keyring request: %w", err)
	}
	return entries, nil
}

// request subscribes to the response topic before publishing so a fast
// responder cannot be missed, then feeds messages to match until it
// accepts one or the timeout expires.
func (c *Client) request(ctx context.Context, responseTopic, requestTopic string, payload []byte, match func(pubsub.Message) bool) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	sub, err := c.transport.Subscribe(waitCtx, responseTopic)
	if err != nil {
		return err
	}
	defer sub.Close()

	if err := c.transport.Publish(waitCtx, requestTopic, payload); err != nil {
		return err
	}

	for {
		msg, err := sub.Next(waitCtx)
		switch {
		case err == nil:
			if match(msg) {
				return nil
			}
		case ctx.Err() != nil:
			return ctx.Err()
		case waitCtx.Err() != nil:
			// The subscription is bound to waitCtx and may report
			// ErrClosed rather than the deadline.
			return ErrNotFound
		default:
			return err
		}
	}
}
