// Package pool provides a bounded pool of reusable handles to an external resource.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/puddle/v2"
)

// Pool errors.
var (
	ErrPoolTimeout = errors.New("pool: timed out waiting for a handle")
	ErrPoolClosed  = errors.New("pool: closed")
)

// Manager owns the lifecycle of the handles handed out by a Pool.
type Manager[T any] interface {
	// Create builds a new handle. Called lazily when no idle handle is available.
	Create(ctx context.Context) (T, error)
	// Validate is called when a handle is returned to the pool.
	// A non-nil error makes the pool destroy the handle instead of recycling it.
	Validate(ctx context.Context, handle T) error
	// Release destroys a handle that leaves the pool for good.
	Release(handle T)
}

// Config contains pool configuration.
type Config struct {
	MaxSize        int
	AcquireTimeout time.Duration
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	InUse   int
	Idle    int
	MaxSize int
}

// Pool hands out at most Config.MaxSize handles at a time.
type Pool[T any] struct {
	manager Manager[T]
	config  Config
	handles *puddle.Pool[T]
}

// New creates a pool. No handle is created until the first Acquire.
func New[T any](manager Manager[T], config Config) *Pool[T] {
	if config.MaxSize <= 0 {
		config.MaxSize = 1
	}

	// NewPool only fails for MaxSize < 1, which is ruled out above.
	handles, _ := puddle.NewPool(&puddle.Config[T]{
		Constructor: manager.Create,
		Destructor:  manager.Release,
		MaxSize:     int32(config.MaxSize),
	})

	return &Pool[T]{
		manager: manager,
		config:  config,
		handles: handles,
	}
}

// Object is a checked-out handle. Release must be called exactly once, usually with defer.
type Object[T any] struct {
	pool *Pool[T]
	res  *puddle.Resource[T]
	once sync.Once
}

// Value returns the underlying handle.
func (o *Object[T]) Value() T {
	return o.res.Value()
}

// Release returns the handle to the pool. Subsequent calls are no-ops.
func (o *Object[T]) Release() {
	o.once.Do(func() {
		o.pool.put(o.res)
	})
}

// Acquire returns an idle handle or creates one. When the pool is saturated it waits
// for a release, for ctx to end, or for Config.AcquireTimeout, whichever comes first.
func (p *Pool[T]) Acquire(ctx context.Context) (*Object[T], error) {
	if p.config.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.AcquireTimeout)
		defer cancel()
	}

	res, err := p.handles.Acquire(ctx)
	switch {
	case err == nil:
		return &Object[T]{pool: p, res: res}, nil
	case errors.Is(err, puddle.ErrClosedPool):
		return nil, ErrPoolClosed
	case ctx.Err() != nil:
		return nil, fmt.Errorf("%w: %w", ErrPoolTimeout, ctx.Err())
	default:
		return nil, fmt.Errorf("create handle: %w", err)
	}
}

func (p *Pool[T]) put(res *puddle.Resource[T]) {
	if err := p.manager.Validate(context.Background(), res.Value()); err != nil {
		res.Destroy()
		return
	}
	res.Release()
}

// Stats returns current pool usage.
func (p *Pool[T]) Stats() Stats {
	stat := p.handles.Stat()

	return Stats{
		InUse:   int(stat.AcquiredResources() + stat.ConstructingResources()),
		Idle:    int(stat.IdleResources()),
		MaxSize: int(stat.MaxResources()),
	}
}

// Close destroys idle handles and rejects further Acquire calls. It blocks
// until every checked-out handle has been released and destroyed.
func (p *Pool[T]) Close() {
	p.handles.Close()
}
