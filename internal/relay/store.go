package relay

import (
	"context"
	"fmt"
	"io"

	"github.com/bissquit/notify-relay/internal/pkg/pool"
)

// StorePool hands out Store handles.
type StorePool = pool.Pool[Store]

// StoreOpener builds a Store handle on top of an already connected backend client.
type StoreOpener func(ctx context.Context) (Store, error)

// StoreManager implements pool.Manager for Store handles.
// Handles carry no connection state of their own, so they are recycled without checks.
type StoreManager struct {
	open StoreOpener
}

// NewStoreManager creates a manager that opens handles with open.
func NewStoreManager(open StoreOpener) *StoreManager {
	return &StoreManager{open: open}
}

// Create opens a new handle.
func (m *StoreManager) Create(ctx context.Context) (Store, error) {
	store, err := m.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

// Validate always accepts the handle.
func (m *StoreManager) Validate(_ context.Context, _ Store) error {
	return nil
}

// Release closes the handle if it holds resources.
func (m *StoreManager) Release(store Store) {
	if c, ok := store.(io.Closer); ok {
		_ = c.Close()
	}
}

// NewStorePool creates a pool of Store handles.
func NewStorePool(open StoreOpener, config pool.Config) *StorePool {
	return pool.New[Store](NewStoreManager(open), config)
}

func withStore(ctx context.Context, stores *StorePool, fn func(Store) error) error {
	obj, err := stores.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire store: %w", err)
	}
	defer obj.Release()

	return fn(obj.Value())
}
