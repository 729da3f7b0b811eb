// Package manager holds the two download managers of the process and routes
// operations on an identifier to the one that owns it.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/italolelis/multi_downloader/internal/config"
	"github.com/italolelis/multi_downloader/internal/download"
	"github.com/italolelis/multi_downloader/internal/logctx"
)

type Kind string

const (
	KindDefault    Kind = "default"
	KindBackground Kind = "background"
)

// ParseKind accepts the manager names used by the API. An empty name selects the
// default manager.
func ParseKind(name string) (Kind, error) {
	switch Kind(name) {
	case "", KindDefault:
		return KindDefault, nil
	case KindBackground:
		return KindBackground, nil
	default:
		return "", fmt.Errorf("%w: unknown manager %q", download.ErrInvalidConfiguration, name)
	}
}

// Coordinator owns the default and background-capable managers.
type Coordinator struct {
	def *download.Scheduler
	bg  *download.Scheduler

	mu      sync.Mutex
	onDrain func()
	armed   bool

	// startMu makes the cross-manager id check and the insert one step.
	startMu sync.Mutex
}

func New(def, bg *download.Scheduler) (*Coordinator, error) {
	if def == nil || bg == nil {
		return nil, fmt.Errorf("%w: both managers are required", download.ErrInvalidConfiguration)
	}

	c := &Coordinator{def: def, bg: bg}
	bg.SetSettledHook(c.backgroundSettled)

	return c, nil
}

// NewFromConfig builds both managers with the configured ceilings. The background
// manager keeps interrupted transfers Paused so they can be continued after a relaunch.
func NewFromConfig(cfg *config.Config, fg, bg download.Transport, opts ...download.Option) (*Coordinator, error) {
	def, err := download.NewScheduler(string(KindDefault), cfg.MaxConcurrent, fg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create default manager: %w", err)
	}

	bgOpts := append([]download.Option{download.WithInterruptionRecovery(true)}, opts...)

	back, err := download.NewScheduler(string(KindBackground), cfg.BackgroundMaxConcurrent, bg, bgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create background manager: %w", err)
	}

	return New(def, back)
}

func (c *Coordinator) Default() *download.Scheduler {
	return c.def
}

func (c *Coordinator) Background() *download.Scheduler {
	return c.bg
}

func (c *Coordinator) Instance(kind Kind) (*download.Scheduler, error) {
	switch kind {
	case KindDefault, "":
		return c.def, nil
	case KindBackground:
		return c.bg, nil
	default:
		return nil, fmt.Errorf("%w: unknown manager %q", download.ErrInvalidConfiguration, kind)
	}
}

// Start enqueues url on the manager selected by kind.
func (c *Coordinator) Start(ctx context.Context, kind Kind, url string, fn download.UpdateFunc, exec download.Executor) (string, error) {
	return c.StartWithID(ctx, kind, "", url, fn, exec)
}

// StartWithID is Start with a caller-supplied identifier. Identifiers are unique
// across both managers.
func (c *Coordinator) StartWithID(ctx context.Context, kind Kind, id, url string, fn download.UpdateFunc, exec download.Executor) (string, error) {
	s, err := c.Instance(kind)
	if err != nil {
		return "", err
	}

	if id != "" {
		c.startMu.Lock()
		defer c.startMu.Unlock()

		if other := c.other(s); other != nil {
			if _, err := other.Get(id); err == nil {
				return "", fmt.Errorf("%w: %s is owned by the %s manager", download.ErrDuplicateIdentifier, id, other.Name())
			}
		}
	}

	return s.StartWithID(ctx, id, url, fn, exec)
}

func (c *Coordinator) Pause(ctx context.Context, id string) error {
	s, err := c.owner(id)
	if err != nil {
		return err
	}

	return s.Pause(ctx, id)
}

func (c *Coordinator) Resume(ctx context.Context, id string) error {
	s, err := c.owner(id)
	if err != nil {
		return err
	}

	return s.Resume(ctx, id)
}

func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	s, err := c.owner(id)
	if err != nil {
		return err
	}

	return s.Cancel(ctx, id)
}

func (c *Coordinator) Get(id string) (download.Snapshot, error) {
	s, err := c.owner(id)
	if err != nil {
		return download.Snapshot{}, err
	}

	return s.Get(id)
}

// List returns the downloads of both managers, default first.
func (c *Coordinator) List() []download.Snapshot {
	return append(c.def.List(), c.bg.List()...)
}

// SetDrainHandler registers the function invoked once the background manager has
// flushed its work after a relaunch.
func (c *Coordinator) SetDrainHandler(fn func()) {
	c.mu.Lock()
	c.onDrain = fn
	c.mu.Unlock()

	if c.bg.Idle() {
		c.backgroundSettled()
	}
}

// Relaunched marks the start of a new relaunch. The drain handler fires at most
// once afterwards, immediately when the background manager is already idle.
func (c *Coordinator) Relaunched() {
	c.mu.Lock()
	c.armed = true
	c.mu.Unlock()

	if c.bg.Idle() {
		c.backgroundSettled()
	}
}

func (c *Coordinator) backgroundSettled() {
	c.mu.Lock()

	if !c.armed || c.onDrain == nil {
		c.mu.Unlock()

		return
	}

	c.armed = false
	fn := c.onDrain
	c.mu.Unlock()

	fn()
}

// Shutdown closes both managers, cancelling whatever they still hold.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)
	logger.Info("shutting down download managers")

	var errs []error

	for _, s := range []*download.Scheduler{c.def, c.bg} {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s manager: %w", s.Name(), err))
		}
	}

	return errors.Join(errs...)
}

func (c *Coordinator) owner(id string) (*download.Scheduler, error) {
	if _, err := c.def.Get(id); err == nil {
		return c.def, nil
	}

	if _, err := c.bg.Get(id); err == nil {
		return c.bg, nil
	}

	return nil, fmt.Errorf("%w: %s", download.ErrNotFound, id)
}

func (c *Coordinator) other(s *download.Scheduler) *download.Scheduler {
	if s == c.def {
		return c.bg
	}

	return c.def
}
