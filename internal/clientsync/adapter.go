// Package clientsync bridges a guestbook source to a display surface.
//
// An Adapter runs in one of two modes. In fetch mode it lists records on mount,
// on Refresh and optionally on a fixed interval, and re-fetches after every
// successful submit. In subscribe mode it renders whatever ordered snapshot the
// source pushes and cancels the subscription on Unmount.
package clientsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/littleblessing/backend/internal/blessings"
	"go.uber.org/zap"
)

var (
	errMissingSource  = errors.New("clientsync: a fetcher or subscriber is required")
	errNoWriter       = errors.New("clientsync: source does not accept submissions")
	errNotMounted     = errors.New("clientsync: adapter is not mounted")
	errAlreadyMounted = errors.New("clientsync: adapter is already mounted")
)

// Fetcher lists and appends records, for example over HTTP.
type Fetcher interface {
	List(ctx context.Context) ([]blessings.Record, error)
	Append(ctx context.Context, request blessings.AppendRequest) error
}

// State is what a display surface renders. Err is distinct from an empty list.
type State struct {
	Loading bool
	Err     error
	Records []blessings.Record
}

type Config struct {
	Fetcher    Fetcher
	Subscriber blessings.Subscriber
	Interval   time.Duration
	OnChange   func(State)
	Logger     *zap.Logger
}

type Adapter struct {
	fetcher    Fetcher
	subscriber blessings.Subscriber
	interval   time.Duration
	onChange   func(State)
	logger     *zap.Logger

	mu         sync.Mutex
	state      State
	mounted    bool
	generation uint64
	stop       func()
}

func New(cfg Config) (*Adapter, error) {
	if cfg.Fetcher == nil && cfg.Subscriber == nil {
		return nil, errMissingSource
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		fetcher:    cfg.Fetcher,
		subscriber: cfg.Subscriber,
		interval:   cfg.Interval,
		onChange:   cfg.OnChange,
		logger:     logger,
		state:      State{Loading: true, Records: []blessings.Record{}},
	}, nil
}

// Live reports whether the adapter renders pushed snapshots.
func (a *Adapter) Live() bool {
	return a.subscriber != nil
}

// State returns a copy of the current view state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Mount loads the first view. In subscribe mode it opens the subscription; in
// fetch mode it lists once and, with a positive interval, keeps polling until
// the first failure.
func (a *Adapter) Mount(ctx context.Context) error {
	a.mu.Lock()
	if a.mounted {
		a.mu.Unlock()
		return errAlreadyMounted
	}
	a.mounted = true
	a.generation++
	generation := a.generation
	a.mu.Unlock()

	if a.subscriber != nil {
		return a.mountSubscription(ctx, generation)
	}
	if err := a.refresh(ctx, generation); err != nil {
		return err
	}
	if a.interval > 0 {
		a.startPolling(ctx, generation)
	}
	return nil
}

// Unmount releases the subscription or polling loop. Deliveries that arrive
// afterwards are dropped. Safe to call more than once.
func (a *Adapter) Unmount() {
	a.mu.Lock()
	stop := a.stop
	a.stop = nil
	a.mounted = false
	a.generation++
	a.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Refresh re-lists records in fetch mode. A success clears a previous error.
func (a *Adapter) Refresh(ctx context.Context) error {
	if a.fetcher == nil || a.subscriber != nil {
		return nil
	}
	a.mu.Lock()
	if !a.mounted {
		a.mu.Unlock()
		return errNotMounted
	}
	generation := a.generation
	a.mu.Unlock()
	return a.refresh(ctx, generation)
}

// Submit appends a record. In fetch mode the list is re-fetched so the new
// record becomes visible; in subscribe mode the next pushed snapshot shows it.
// A failed submit leaves the view unchanged so the caller can retry. Once the
// append is accepted Submit succeeds; a failed re-fetch only surfaces in State.
func (a *Adapter) Submit(ctx context.Context, request blessings.AppendRequest) error {
	if a.fetcher == nil {
		return errNoWriter
	}
	if err := a.fetcher.Append(ctx, request); err != nil {
		a.logger.Debug("submit failed", zap.Error(err))
		return err
	}
	if a.subscriber != nil {
		return nil
	}
	a.mu.Lock()
	mounted := a.mounted
	generation := a.generation
	a.mu.Unlock()
	if !mounted {
		return nil
	}
	if err := a.refresh(ctx, generation); err != nil {
		a.logger.Debug("re-fetch after submit failed", zap.Error(err))
	}
	return nil
}

func (a *Adapter) mountSubscription(ctx context.Context, generation uint64) error {
	subscriptionCtx, cancelCtx := context.WithCancel(ctx)
	cancel, err := a.subscriber.Subscribe(subscriptionCtx,
		func(records []blessings.Record) {
			a.apply(generation, records, nil)
		},
		func(err error) {
			a.apply(generation, nil, err)
		},
	)
	if err != nil {
		cancelCtx()
		a.apply(generation, nil, err)
		a.mu.Lock()
		if a.generation == generation {
			a.mounted = false
		}
		a.mu.Unlock()
		return err
	}

	stop := func() {
		cancel()
		cancelCtx()
	}
	a.mu.Lock()
	if a.generation != generation {
		a.mu.Unlock()
		stop()
		return nil
	}
	a.stop = stop
	a.mu.Unlock()
	return nil
}

func (a *Adapter) startPolling(ctx context.Context, generation uint64) {
	pollCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	if a.generation != generation {
		a.mu.Unlock()
		cancel()
		return
	}
	a.stop = cancel
	a.mu.Unlock()

	go func() {
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
			}
			if err := a.refresh(pollCtx, generation); err != nil {
				if pollCtx.Err() == nil {
					a.logger.Warn("polling stopped after failed refresh", zap.Error(err))
				}
				return
			}
		}
	}()
}

func (a *Adapter) refresh(ctx context.Context, generation uint64) error {
	records, err := a.fetcher.List(ctx)
	a.apply(generation, records, err)
	return err
}

// apply records one delivery. The source owns ordering, so records are kept as
// delivered.
func (a *Adapter) apply(generation uint64, records []blessings.Record, err error) {
	a.mu.Lock()
	if a.generation != generation {
		a.mu.Unlock()
		return
	}
	a.state.Loading = false
	if err != nil {
		a.state.Err = err
	} else {
		if records == nil {
			records = []blessings.Record{}
		}
		a.state.Err = nil
		a.state.Records = records
	}
	state := a.snapshotLocked()
	onChange := a.onChange
	a.mu.Unlock()

	if err != nil {
		a.logger.Warn("guestbook source failed", zap.Error(err))
	}
	if onChange != nil {
		onChange(state)
	}
}

func (a *Adapter) snapshotLocked() State {
	records := make([]blessings.Record, len(a.state.Records))
	copy(records, a.state.Records)
	return State{Loading: a.state.Loading, Err: a.state.Err, Records: records}
}
