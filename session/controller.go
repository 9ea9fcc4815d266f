// Package session drives the model lifecycle and embedding requests for one user.
//
// A Controller owns at most one runtime instance. Loads and embedding requests
// are serialized by a phase guard: while one is in flight, a second load,
// embedding or reset is rejected with ErrBusy and no state changes. Runtime
// failures never escape as errors; they end up in the status string.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gomithril/embeddinglab"
)

var (
	ErrBusy   = errors.New("another operation is in progress")
	ErrClosed = errors.New("controller is closed")
)

const (
	StatusIdle         = "idle"
	StatusInitializing = "initializing runtime"
	StatusRuntimeReady = "runtime ready"
	StatusLoadingURL   = "loading model from url"
	StatusLoadingFiles = "loading model from files"
	StatusNeedModel    = "load a model first"
	StatusNeedText     = "type some text to embed"
	StatusEmbedding    = "creating embedding"
	StatusRuntimeReset = "runtime reset"
	StatusCleared      = "cleared"
	statusLoadFailed   = "failed to load model: "
	statusFileFailed   = "failed to load local model: "
	statusEmbedFailed  = "embedding failed: "
)

// Listener is called synchronously after every state change. Listeners run
// outside the controller lock, so concurrent changes may arrive out of order;
// compare Snapshot.Seq to discard older ones.
type Listener func(Snapshot)

type Option func(*Controller)

// WithLoadOptions replaces the load configuration sent with every load.
func WithLoadOptions(opts embeddinglab.LoadOptions) Option {
	return func(c *Controller) { c.opts = opts }
}

// WithClock replaces the time source used for elapsed-time reporting.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

type Controller struct {
	factory embeddinglab.Factory
	opts    embeddinglab.LoadOptions
	now     func() time.Time

	mu        sync.Mutex
	seq       uint64
	rt        embeddinglab.Runtime
	loaded    bool
	phase     Phase
	status    string
	progress  *int
	embedding []float32
	dim       int
	closed    bool

	nextID    int
	listeners map[int]Listener
}

func NewController(factory embeddinglab.Factory, opts ...Option) *Controller {
	c := &Controller{
		factory:   factory,
		opts:      embeddinglab.DefaultLoadOptions(),
		now:       time.Now,
		status:    StatusIdle,
		phase:     PhaseIdle,
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers l and returns a function that removes it.
func (c *Controller) Subscribe(l Listener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		Seq:        c.seq,
		Status:     c.status,
		Loaded:     c.loaded,
		HasRuntime: c.rt != nil,
		Phase:      c.phase,
		Embedding:  c.embedding,
		Dim:        c.dim,
	}
	if c.progress != nil {
		p := *c.progress
		s.Progress = &p
	}
	return s
}

// update applies mutate under the lock and then notifies listeners outside it.
func (c *Controller) update(mutate func()) {
	c.tryUpdate(func() bool {
		mutate()
		return true
	})
}

// tryUpdate is update for mutations that may decline; listeners only hear about applied changes.
func (c *Controller) tryUpdate(mutate func() bool) {
	c.mu.Lock()
	if !mutate() {
		c.mu.Unlock()
		return
	}
	c.seq++
	snap := c.snapshotLocked()
	listeners := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l(snap)
	}
}

// begin claims phase p for an operation, rejecting overlap.
func (c *Controller) begin(p Phase, mutate func()) error {
	var err error
	c.tryUpdate(func() bool {
		switch {
		case c.closed:
			err = ErrClosed
		case c.phase.InFlight():
			err = ErrBusy
		default:
			c.phase = p
			mutate()
		}
		return err == nil
	})
	return err
}

func (c *Controller) settledPhase() Phase {
	if c.loaded {
		return PhaseReady
	}
	return PhaseIdle
}

// AcquireRuntime returns the current runtime, constructing one if none exists.
func (c *Controller) AcquireRuntime(ctx context.Context) (embeddinglab.Runtime, error) {
	c.mu.Lock()
	if rt := c.rt; rt != nil {
		c.mu.Unlock()
		return rt, nil
	}
	c.mu.Unlock()

	if err := c.begin(PhaseLoading, func() {}); err != nil {
		return nil, err
	}
	rt, err := c.acquire(ctx)
	c.update(func() {
		c.phase = c.settledPhase()
		if err != nil && !errors.Is(err, ErrClosed) {
			c.status = err.Error()
		}
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to acquire runtime")
	}
	return rt, err
}

// acquire must only be called while the caller holds an in-flight phase.
func (c *Controller) acquire(ctx context.Context) (embeddinglab.Runtime, error) {
	c.mu.Lock()
	if rt := c.rt; rt != nil {
		c.mu.Unlock()
		return rt, nil
	}
	c.mu.Unlock()

	c.update(func() { c.status = StatusInitializing })
	rt, err := c.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start runtime: %w", err)
	}

	var closed bool
	c.update(func() {
		if c.closed {
			closed = true
			return
		}
		c.rt = rt
		c.status = StatusRuntimeReady
	})
	if closed {
		release(rt)
		return nil, ErrClosed
	}
	log.Debug().Msg("Runtime constructed")
	return rt, nil
}

// ResetRuntime drops the runtime together with the loaded model and any embedding.
func (c *Controller) ResetRuntime() error {
	var rt embeddinglab.Runtime
	var err error
	c.tryUpdate(func() bool {
		if c.phase.InFlight() {
			err = ErrBusy
			return false
		}
		rt = c.rt
		c.rt = nil
		c.loaded = false
		c.embedding = nil
		c.progress = nil
		c.dim = 0
		c.phase = PhaseIdle
		c.status = StatusRuntimeReset
		return true
	})
	if err != nil {
		return err
	}
	release(rt)
	return nil
}

// Close releases the runtime on teardown. Errors are logged and ignored.
func (c *Controller) Close() {
	c.mu.Lock()
	rt := c.rt
	c.rt = nil
	c.loaded = false
	c.dim = 0
	c.closed = true
	c.mu.Unlock()

	release(rt)
}

func release(rt embeddinglab.Runtime) {
	if rt == nil {
		return
	}
	r, ok := rt.(embeddinglab.Releaser)
	if !ok {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			log.Warn().Interface("panic", p).Msg("Runtime release panicked")
		}
	}()
	if err := r.Release(); err != nil {
		log.Warn().Err(err).Msg("Runtime release failed")
	}
}

// Percent converts a progress update into a whole percentage.
// ok is false when the total is unknown and the update must be ignored.
func Percent(p embeddinglab.Progress) (int, bool) {
	if p.Total <= 0 {
		return 0, false
	}
	return int(math.Round(float64(p.Loaded) / float64(p.Total) * 100)), true
}

func (c *Controller) onProgress(p embeddinglab.Progress) {
	pct, ok := Percent(p)
	if !ok {
		return
	}
	c.tryUpdate(func() bool {
		if c.phase != PhaseLoading {
			return false
		}
		c.progress = &pct
		return true
	})
}

func (c *Controller) loadOptions() embeddinglab.LoadOptions {
	opts := c.opts
	opts.OnProgress = c.onProgress
	return opts
}

// LoadFromURL loads a model from url. It returns ErrBusy or ErrClosed only;
// load failures are reported through the status.
func (c *Controller) LoadFromURL(ctx context.Context, url string) error {
	err := c.begin(PhaseLoading, func() {
		c.status = StatusLoadingURL
		zero := 0
		c.progress = &zero
	})
	if err != nil {
		return err
	}

	rt, err := c.acquire(ctx)
	if err == nil {
		start := c.now()
		err = rt.LoadModelFromURL(ctx, url, c.loadOptions())
		if err == nil {
			took := c.now().Sub(start)
			c.finishLoad(rt, fmt.Sprintf("model loaded (took %d ms). dim=%s", took.Milliseconds(), dimString(rt)))
			log.Info().Str("url", url).Dur("took", took).Msg("Model loaded")
			return nil
		}
	}

	log.Error().Err(err).Str("url", url).Msg("Failed to load model")
	c.failLoad(statusLoadFailed + err.Error())
	return nil
}

// LoadFromFiles loads a model from local blobs. An empty list is a no-op.
func (c *Controller) LoadFromFiles(ctx context.Context, blobs []embeddinglab.Blob) error {
	if len(blobs) == 0 {
		return nil
	}

	err := c.begin(PhaseLoading, func() {
		c.status = StatusLoadingFiles
		zero := 0
		c.progress = &zero
	})
	if err != nil {
		return err
	}

	rt, err := c.acquire(ctx)
	if err == nil {
		start := c.now()
		err = rt.LoadModel(ctx, blobs, c.loadOptions())
		if err == nil {
			took := c.now().Sub(start)
			c.finishLoad(rt, fmt.Sprintf("model loaded from files (took %d ms)", took.Milliseconds()))
			log.Info().Int("files", len(blobs)).Dur("took", took).Msg("Model loaded from files")
			return nil
		}
	}

	log.Error().Err(err).Int("files", len(blobs)).Msg("Failed to load local model")
	c.failLoad(statusFileFailed + err.Error())
	return nil
}

func (c *Controller) finishLoad(rt embeddinglab.Runtime, status string) {
	dim := 0
	if sizer, ok := rt.(embeddinglab.EmbeddingSizer); ok {
		dim = sizer.EmbeddingSize()
	}
	c.update(func() {
		c.progress = nil
		if c.closed {
			return
		}
		c.status = status
		c.loaded = true
		c.dim = dim
		c.phase = PhaseReady
	})
}

func (c *Controller) failLoad(status string) {
	c.update(func() {
		c.progress = nil
		c.status = status
		c.loaded = false
		c.dim = 0
		c.phase = PhaseIdle
	})
}

func dimString(rt embeddinglab.Runtime) string {
	if sizer, ok := rt.(embeddinglab.EmbeddingSizer); ok {
		return strconv.Itoa(sizer.EmbeddingSize())
	}
	return "unknown"
}

// CreateEmbedding embeds text with the loaded model. Missing model or text
// only updates the status. It returns ErrBusy or ErrClosed only.
func (c *Controller) CreateEmbedding(ctx context.Context, text string) error {
	var rt embeddinglab.Runtime
	var err error
	c.tryUpdate(func() bool {
		switch {
		case c.closed:
			err = ErrClosed
		case c.phase.InFlight():
			err = ErrBusy
		case c.rt == nil || !c.loaded:
			c.status = StatusNeedModel
		case text == "":
			c.status = StatusNeedText
		default:
			rt = c.rt
			c.phase = PhaseBusy
			c.status = StatusEmbedding
		}
		return err == nil
	})
	if err != nil || rt == nil {
		return err
	}

	start := c.now()
	vec, err := rt.CreateEmbedding(ctx, text, embeddinglab.EmbedOptions{SkipBOS: true, SkipEOS: true})
	took := c.now().Sub(start)
	if err != nil {
		log.Error().Err(err).Msg("Embedding failed")
		c.update(func() {
			c.status = statusEmbedFailed + err.Error()
			c.phase = c.settledPhase()
		})
		return nil
	}

	c.update(func() {
		c.embedding = vec
		c.status = fmt.Sprintf("embedding created (took %d ms). length=%d", took.Milliseconds(), len(vec))
		c.phase = c.settledPhase()
	})
	log.Debug().Int("length", len(vec)).Dur("took", took).Msg("Embedding created")
	return nil
}

// Clear drops the stored embedding. The runtime and loaded model are kept.
func (c *Controller) Clear() {
	c.update(func() {
		c.embedding = nil
		c.status = StatusCleared
	})
}
