// Package daemon answers the network's package and keyring queries from
// the records this node serves.
//
// A Responder runs one listener goroutine per subscribed topic. Listeners
// only forward requests into a bounded queue; a single consumer goroutine
// owns the served package table and keyring and handles requests one at a
// time, so the table needs no locking.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pkgman/pkg/codec"
	"pkgman/pkg/metrics"
	"pkgman/pkg/protocol"
	"pkgman/pkg/pubsub"
	"pkgman/pkg/state"
	"pkgman/pkg/trust"
)

// DefaultQueueSize bounds the number of requests waiting for the consumer.
const DefaultQueueSize = 128

// ErrStopped is returned by Reload when the responder is not running.
var ErrStopped = errors.New("responder stopped")

// Config locates the files a Responder serves.
type Config struct {
	PackageList string
	Keyring     string
	QueueSize   int
}

type requestKind int

const (
	kindQuery requestKind = iota
	kindKeyring
	kindReload
)

type request struct {
	kind requestKind
	name string
	from string
	done chan error // reload only
}

// Responder serves queries on a transport.
type Responder struct {
	transport pubsub.Transport
	anchor    trust.Anchor
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Metrics

	requests chan request
	ready    chan struct{}
	stopped  chan struct{}
}

// NewResponder creates a responder. A nil metrics uses a private registry.
func NewResponder(transport pubsub.Transport, anchor trust.Anchor, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Responder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Responder{
		transport: transport,
		anchor:    anchor,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		requests:  make(chan request, cfg.QueueSize),
		ready:     make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Ready is closed once Run has subscribed to every topic.
func (r *Responder) Ready() <-chan struct{} {
	return r.ready
}

// served is the state owned by the consumer goroutine.
type served struct {
	table   *state.PackageTable
	keyring trust.Keyring
}

// Run serves until ctx is cancelled. It returns an error when the served
// files cannot be loaded or a subscription fails; per-request failures
// are logged and counted but never stop the loop. Run must only be
// called once.
func (r *Responder) Run(ctx context.Context) error {
	defer close(r.stopped)

	s, err := r.load()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	queries, err := r.transport.Subscribe(gctx, protocol.TopicQuery)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.TopicQuery, err)
	}
	defer queries.Close()
	keyringQueries, err := r.transport.Subscribe(gctx, protocol.TopicKeyringQuery)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.TopicKeyringQuery, err)
	}
	defer keyringQueries.Close()

	g.Go(func() error { return r.listen(gctx, queries, kindQuery) })
	g.Go(func() error { return r.listen(gctx, keyringQueries, kindKeyring) })
	g.Go(func() error { return r.consume(gctx, s) })

	r.logger.Info("Daemon serving",
		zap.Int("packages", s.table.Len()),
		zap.Int("maintainers", s.keyring.Len()))
	close(r.ready)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Reload asks the consumer to re-read the served files. It waits for the
// reload to complete. On failure the previous state keeps being served.
func (r *Responder) Reload(ctx context.Context) error {
	req := request{kind: kindReload, done: make(chan error, 1)}
	select {
	case r.requests <- req:
	case <-r.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-r.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Responder) listen(ctx context.Context, sub *pubsub.Subscription, kind requestKind) error {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("subscription %s: %w", sub.Topic(), err)
		}

		req := request{kind: kind, from: msg.From}
		if kind == kindQuery {
			req.name = strings.TrimSpace(string(msg.Data))
		}
		select {
		case r.requests <- req:
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Responder) consume(ctx context.Context, s served) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-r.requests:
			switch req.kind {
			case kindQuery:
				r.answerQuery(ctx, s, req)
			case kindKeyring:
				r.answerKeyring(ctx, s, req)
			case kindReload:
				next, err := r.load()
				if err != nil {
					r.metrics.Reloads.WithLabelValues("error").Inc()
					r.logger.Error("Reload failed, keeping previous state", zap.Error(err))
				} else {
					s = next
					r.metrics.Reloads.WithLabelValues("ok").Inc()
					r.logger.Info("Reloaded served state",
						zap.Int("packages", s.table.Len()),
						zap.Int("maintainers", s.keyring.Len()))
				}
				req.done <- err
			}
		}
	}
}

func (r *Responder) answerQuery(ctx context.Context, s served, req request) {
	r.metrics.QueriesReceived.Inc()
	rec, ok := s.table.Get(req.name)
	if !ok {
		r.metrics.QueriesMissed.Inc()
		r.logger.Debug("Not serving queried package",
			zap.String("package", req.name),
			zap.String("from", req.from))
		return
	}

	data, err := codec.EncodeRecord(rec)
	if err == nil {
		err = r.transport.Publish(ctx, protocol.TopicQueryResponse, data)
	}
	if err != nil {
		r.metrics.DispatchFailures.Inc()
		r.logger.Warn("Failed to answer query",
			zap.String("package", req.name),
			zap.Error(err))
		return
	}
	r.metrics.QueriesAnswered.Inc()
	r.logger.Debug("Answered query",
		zap.String("package", rec.Name),
		zap.String("version", rec.Version),
		zap.String("from", req.from))
}

func (r *Responder) answerKeyring(ctx context.Context, s served, req request) {
	data, err := codec.EncodeKeyring(s.keyring.Entries())
	if err == nil {
		err = r.transport.Publish(ctx, protocol.TopicKeyring, data)
	}
	if err != nil {
		r.metrics.DispatchFailures.Inc()
		r.logger.Warn("Failed to answer keyring request", zap.Error(err))
		return
	}
	r.metrics.KeyringRequests.Inc()
	r.logger.Debug("Answered keyring request",
		zap.Int("maintainers", s.keyring.Len()),
		zap.String("from", req.from))
}

func (r *Responder) load() (served, error) {
	table, err := state.LoadPackagesOrEmpty(r.cfg.PackageList)
	if err != nil {
		return served{}, fmt.Errorf("load served packages: %w", err)
	}
	keyring, err := state.LoadKeyringOrDefault(r.cfg.Keyring, r.anchor)
	if err != nil {
		return served{}, fmt.Errorf("load served keyring: %w", err)
	}
	r.metrics.ServedPackages.Set(float64(table.Len()))
	r.metrics.ServedMaintainers.Set(float64(keyring.Len()))
	return served{table: table, keyring: keyring}, nil
}
