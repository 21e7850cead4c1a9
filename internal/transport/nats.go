// Package transport feeds evidence from the NATS bus into the consolidators.
//
// Subjects, with the configured prefix:
//
//	<prefix>.evidence.<app>   evidence object or array of them
//	<prefix>.finalize.<app>   finalize the app's current scan
//	<prefix>.events.<app>     consolidator events, published
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/config"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/core"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/logger"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/metrics"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/worker"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/consolidator"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
)

const (
	transportName = "nats"
	kindEvidence  = "evidence"
	kindFinalize  = "finalize"
)

// Reply is sent back to requests that carry a reply subject.
type Reply struct {
	App      string          `json:"app"`
	Accepted int             `json:"accepted,omitempty"`
	Rejected int             `json:"rejected,omitempty"`
	Queued   int             `json:"queued,omitempty"`
	Entries  int             `json:"entries,omitempty"`
	Snapshot *types.Snapshot `json:"snapshot,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Subscriber routes bus messages to the registry, or to the queue when one is
// set so that a worker pool does the merging.
type Subscriber struct {
	cfg      config.NATSConfig
	registry *worker.Registry
	queue    core.EvidenceQueue
	store    core.CatalogStore
	metrics  *metrics.Metrics
	logger   *logger.Logger
}

type SubscriberOption func(*Subscriber)

func WithQueue(q core.EvidenceQueue) SubscriberOption {
	return func(s *Subscriber) { s.queue = q }
}

func WithStore(st core.CatalogStore) SubscriberOption {
	return func(s *Subscriber) { s.store = st }
}

func WithMetrics(m *metrics.Metrics) SubscriberOption {
	return func(s *Subscriber) { s.metrics = m }
}

func NewSubscriber(cfg config.NATSConfig, registry *worker.Registry, log *logger.Logger, opts ...SubscriberOption) *Subscriber {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "surfacemap"
	}
	s := &Subscriber{cfg: cfg, registry: registry, logger: log.WithComponent("transport")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials the bus with reconnects enabled.
func Connect(cfg config.NATSConfig, log *logger.Logger) (*nats.Conn, error) {
	log = log.WithComponent("transport")
	nc, err := nats.Connect(cfg.URL,
		nats.Name("surfacemap"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infow("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// subject matches every app under kind. Package names contain dots, so the
// app is the whole remainder of the subject rather than one token.
func (s *Subscriber) subject(kind string) string {
	return s.cfg.SubjectPrefix + "." + kind + ".>"
}

func (s *Subscriber) appFromSubject(kind, subject string) (string, error) {
	prefix := s.cfg.SubjectPrefix + "." + kind + "."
	app := strings.TrimPrefix(subject, prefix)
	if app == subject || app == "" {
		return "", fmt.Errorf("subject %q names no app", subject)
	}
	return app, nil
}

// Run subscribes and blocks until ctx is cancelled, then drains the
// subscriptions so in-flight messages finish.
func (s *Subscriber) Run(ctx context.Context, nc *nats.Conn) error {
	handlers := map[string]func(context.Context, string, []byte) (Reply, error){
		kindEvidence: s.HandleEvidence,
		kindFinalize: s.HandleFinalize,
	}

	var subs []*nats.Subscription
	for kind, handle := range handlers {
		handle := handle
		sub, err := nc.QueueSubscribe(s.subject(kind), s.cfg.QueueGroup, func(msg *nats.Msg) {
			reply, err := handle(ctx, msg.Subject, msg.Data)
			if err != nil {
				s.recordError()
				s.logger.LogError(ctx, err, "transport.handle", "subject", msg.Subject)
				reply.Error = err.Error()
			}
			if msg.Reply == "" {
				return
			}
			data, _ := json.Marshal(reply)
			if err := msg.Respond(data); err != nil {
				s.recordError()
				s.logger.Warnw("Failed to respond", "subject", msg.Subject, "error", err)
			}
		})
		if err != nil {
			for _, prev := range subs {
				prev.Unsubscribe()
			}
			return fmt.Errorf("subscribe %s: %w", s.subject(kind), err)
		}
		subs = append(subs, sub)
		s.logger.Infow("Subscribed", "subject", s.subject(kind), "queue_group", s.cfg.QueueGroup)
	}

	<-ctx.Done()
	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			s.logger.Warnw("Failed to drain subscription", "subject", sub.Subject, "error", err)
		}
	}
	return nil
}

func (s *Subscriber) recordError() {
	if s.metrics != nil {
		s.metrics.RecordTransportError(transportName)
	}
}

// decodeEvidence accepts a single object or an array.
func decodeEvidence(data []byte) ([]types.Evidence, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var items []types.Evidence
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("decode evidence array: %w", err)
		}
		return items, nil
	}
	var ev types.Evidence
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode evidence: %w", err)
	}
	return []types.Evidence{ev}, nil
}

// HandleEvidence merges or enqueues the evidence carried by one message.
// Rejected items are counted, not returned as errors.
func (s *Subscriber) HandleEvidence(ctx context.Context, subject string, data []byte) (Reply, error) {
	app, err := s.appFromSubject(kindEvidence, subject)
	if err != nil {
		return Reply{}, err
	}
	reply := Reply{App: app}

	items, err := decodeEvidence(data)
	if err != nil {
		return reply, err
	}

	if s.queue != nil {
		if err := s.queue.Push(ctx, app, items...); err != nil {
			return reply, err
		}
		reply.Queued = len(items)
		return reply, nil
	}

	cons, err := s.registry.Get(app)
	if err != nil {
		return reply, err
	}
	for _, ev := range items {
		_, err := cons.Ingest(ev)
		if errors.Is(err, consolidator.ErrFinalized) {
			if cons, err = s.registry.Get(app); err != nil {
				return reply, err
			}
			_, err = cons.Ingest(ev)
		}
		switch {
		case err == nil:
			reply.Accepted++
		case consolidator.IsRejection(err):
			reply.Rejected++
		default:
			s.registry.Drop(app)
			return reply, err
		}
	}
	return reply, nil
}

// HandleFinalize finishes the app's scan and stores it when a store is set.
func (s *Subscriber) HandleFinalize(ctx context.Context, subject string, data []byte) (Reply, error) {
	app, err := s.appFromSubject(kindFinalize, subject)
	if err != nil {
		return Reply{}, err
	}
	reply := Reply{App: app}

	cat, err := s.registry.Finalize(app)
	if err != nil {
		return reply, err
	}
	reply.Entries = cat.Metadata.TotalEntries

	if s.store != nil {
		var req struct {
			Label string `json:"label"`
		}
		if len(data) > 0 {
			// a bare finalize carries no body
			_ = json.Unmarshal(data, &req)
		}
		snap, err := s.store.SaveSnapshot(ctx, &types.Snapshot{App: app, Label: req.Label}, cat)
		if err != nil {
			return reply, err
		}
		reply.Snapshot = snap
	}
	return reply, nil
}

// EventPublisher returns an observer that republishes consolidator events on
// <prefix>.events.<app>. Publish errors are counted and otherwise ignored.
func EventPublisher(nc *nats.Conn, prefix string, m *metrics.Metrics) consolidator.Observer {
	if prefix == "" {
		prefix = "surfacemap"
	}
	return func(ev consolidator.Event) {
		data, err := json.Marshal(ev)
		if err == nil {
			err = nc.Publish(prefix+".events."+ev.App, data)
		}
		if err != nil && m != nil {
			m.RecordTransportError(transportName)
		}
	}
}
