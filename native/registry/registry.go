package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"crosslend/core/events"
)

var (
	// ErrUnknownAsset is returned when an asset key has never been configured.
	ErrUnknownAsset = errors.New("registry: unknown asset")
	// ErrInvalidRiskParams is returned when an upsert violates the required
	// ordering ltvBps < liquidationThresholdBps < 10000.
	ErrInvalidRiskParams = errors.New("registry: invalid risk parameters")
	errNilStore          = errors.New("registry: store not configured")
	errNilAsset          = errors.New("registry: asset config required")
)

const maxBps = 10_000

// Asset holds the governance-supplied configuration for a supported asset. The
// key is chain qualified ("chain:symbol") so the same symbol on two chains is
// two distinct assets. Assets are never deleted, only deactivated.
type Asset struct {
	Key                     string
	LTVBps                  uint64
	LiquidationThresholdBps uint64
	LiquidationBonusBps     uint64
	CanBeCollateral         bool
	CanBeBorrowed           bool
	Active                  bool
	Decimals                uint8
}

// Clone returns a copy the caller can mutate safely.
func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}

// Store abstracts the persistence required by the registry.
type Store interface {
	GetAsset(key string) (*Asset, error)
	PutAsset(asset *Asset) error
	ListAssets() ([]*Asset, error)
}

// Registry exposes asset configuration to the lending engines. Mutations are
// reserved for the privileged admin caller; authentication happens upstream and
// the registry only validates the supplied config.
type Registry struct {
	mu      sync.RWMutex
	store   Store
	emitter events.Emitter
}

// New constructs a registry bound to the provided store.
func New(store Store) *Registry {
	return &Registry{store: store, emitter: events.NoopEmitter{}}
}

// SetEmitter wires the event sink used for configuration change events.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if r == nil || emitter == nil {
		return
	}
	r.emitter = emitter
}

// NormalizeKey canonicalises an asset key into lowercase "chain:symbol" form.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Get returns the configuration for the asset key.
func (r *Registry) Get(key string) (*Asset, error) {
	if r == nil || r.store == nil {
		return nil, errNilStore
	}
	normalized := NormalizeKey(key)
	if normalized == "" {
		return nil, ErrUnknownAsset
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	asset, err := r.store.GetAsset(normalized)
	if err != nil {
		return nil, err
	}
	if asset == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, normalized)
	}
	return asset.Clone(), nil
}

// Upsert validates and stores the asset configuration. Every field must be
// supplied explicitly; there are no implicit defaults.
func (r *Registry) Upsert(asset *Asset) error {
	if r == nil || r.store == nil {
		return errNilStore
	}
	if asset == nil {
		return errNilAsset
	}
	normalized := NormalizeKey(asset.Key)
	if normalized == "" || !strings.Contains(normalized, ":") {
		return fmt.Errorf("%w: key must be chain qualified", ErrInvalidRiskParams)
	}
	if asset.LTVBps >= asset.LiquidationThresholdBps {
		return fmt.Errorf("%w: ltv %d must be below liquidation threshold %d", ErrInvalidRiskParams, asset.LTVBps, asset.LiquidationThresholdBps)
	}
	if asset.LiquidationThresholdBps >= maxBps {
		return fmt.Errorf("%w: liquidation threshold %d must be below %d", ErrInvalidRiskParams, asset.LiquidationThresholdBps, maxBps)
	}
	if asset.LiquidationBonusBps >= maxBps {
		return fmt.Errorf("%w: liquidation bonus %d must be below %d", ErrInvalidRiskParams, asset.LiquidationBonusBps, maxBps)
	}
	stored := asset.Clone()
	stored.Key = normalized

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.PutAsset(stored); err != nil {
		return err
	}
	r.emitter.Emit(events.AssetUpserted{Asset: normalized})
	return nil
}

// SetActive toggles the active flag without touching the risk parameters.
func (r *Registry) SetActive(key string, active bool) error {
	if r == nil || r.store == nil {
		return errNilStore
	}
	normalized := NormalizeKey(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	asset, err := r.store.GetAsset(normalized)
	if err != nil {
		return err
	}
	if asset == nil {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, normalized)
	}
	updated := asset.Clone()
	updated.Active = active
	if err := r.store.PutAsset(updated); err != nil {
		return err
	}
	r.emitter.Emit(events.AssetUpserted{Asset: normalized})
	return nil
}

// List returns every configured asset sorted by key.
func (r *Registry) List() ([]*Asset, error) {
	if r == nil || r.store == nil {
		return nil, errNilStore
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	assets, err := r.store.ListAssets()
	if err != nil {
		return nil, err
	}
	cloned := make([]*Asset, 0, len(assets))
	for _, asset := range assets {
		if asset == nil {
			continue
		}
		cloned = append(cloned, asset.Clone())
	}
	sort.Slice(cloned, func(i, j int) bool { return cloned[i].Key < cloned[j].Key })
	return cloned, nil
}
