package worker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/core"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/logger"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/consolidator"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
)

// ErrUnknownApp is returned for apps without a live consolidator.
var ErrUnknownApp = errors.New("no consolidation in progress for app")

type RegistryOption func(*Registry)

// WithTelemetry records ingest outcomes and finalizations.
func WithTelemetry(t core.Telemetry) RegistryOption {
	return func(r *Registry) { r.telemetry = t }
}

// WithObserver attaches o to every consolidator the registry creates.
func WithObserver(o consolidator.Observer) RegistryOption {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

// WithConsolidatorOptions applies opts to every consolidator the registry
// creates.
func WithConsolidatorOptions(opts ...consolidator.Option) RegistryOption {
	return func(r *Registry) { r.extra = append(r.extra, opts...) }
}

type scan struct {
	c       *consolidator.Consolidator
	started time.Time
}

// Registry holds one live consolidator per application. Finalizing an app
// removes it, so the next evidence for that app starts a new scan.
type Registry struct {
	mu        sync.Mutex
	cfg       consolidator.Config
	logger    *logger.Logger
	telemetry core.Telemetry
	observers []consolidator.Observer
	extra     []consolidator.Option
	live      map[string]scan
}

func NewRegistry(cfg consolidator.Config, log *logger.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:    cfg,
		logger: log.WithComponent("registry"),
		live:   make(map[string]scan),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the app's consolidator, creating it on first use.
func (r *Registry) Get(app string) (*consolidator.Consolidator, error) {
	if app == "" {
		return nil, fmt.Errorf("app is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.live[app]; ok {
		return s.c, nil
	}

	opts := []consolidator.Option{consolidator.WithLogger(r.logger.WithApp(app))}
	if r.telemetry != nil {
		opts = append(opts, consolidator.WithObserver(telemetry.Observer(r.telemetry)))
	}
	for _, o := range r.observers {
		opts = append(opts, consolidator.WithObserver(o))
	}
	opts = append(opts, r.extra...)
	c, err := consolidator.New(app, r.cfg, opts...)
	if err != nil {
		return nil, err
	}
	r.live[app] = scan{c: c, started: time.Now()}
	r.logger.Infow("Consolidation started", "app", app)
	return c, nil
}

// Lookup returns the app's consolidator without creating one.
func (r *Registry) Lookup(app string) (*consolidator.Consolidator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.live[app]
	if !ok {
		return nil, ErrUnknownApp
	}
	return s.c, nil
}

// Finalize closes the app's scan and forgets its consolidator. An aborted
// consolidator is forgotten too and its invariant error returned.
func (r *Registry) Finalize(app string) (*types.Catalog, error) {
	r.mu.Lock()
	s, ok := r.live[app]
	delete(r.live, app)
	r.mu.Unlock()
	if !ok {
		return nil, ErrUnknownApp
	}

	cat, err := s.c.Finalize()
	if r.telemetry != nil {
		entries := 0
		if cat != nil {
			entries = cat.Metadata.TotalEntries
		}
		r.telemetry.RecordFinalize(app, entries, time.Since(s.started), err == nil)
	}
	return cat, err
}

// Drop discards the app's consolidator and everything it accumulated.
func (r *Registry) Drop(app string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, app)
}

func (r *Registry) Apps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	apps := make([]string, 0, len(r.live))
	for app := range r.live {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	return apps
}
