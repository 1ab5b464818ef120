package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"crosslend/native/registry"
)

var (
	// ErrStalePrice indicates that every configured feed returned a quote
	// older than the staleness bound. Stale data is never served silently.
	ErrStalePrice = errors.New("oracle: price quote stale")
	// ErrFeedUnavailable indicates that no configured feed produced a quote.
	ErrFeedUnavailable = errors.New("oracle: no feed available")
)

// DefaultStalenessBound is applied when the adapter is constructed without an
// explicit freshness window.
const DefaultStalenessBound = time.Hour

// PriceQuote captures a normalised price observation. Price is fixed point
// with 18 decimals regardless of the asset's own precision.
type PriceQuote struct {
	Asset          string
	Price          *big.Int
	Timestamp      time.Time
	StalenessBound time.Duration
	Source         string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q PriceQuote) Clone() PriceQuote {
	clone := q
	if q.Price != nil {
		clone.Price = new(big.Int).Set(q.Price)
	}
	return clone
}

// StaleAt reports whether the quote may no longer be used at the supplied
// time. A quote whose age equals the bound exactly is stale.
func (q PriceQuote) StaleAt(now time.Time) bool {
	bound := q.StalenessBound
	if bound <= 0 {
		bound = DefaultStalenessBound
	}
	return now.Sub(q.Timestamp) >= bound
}

// Feed resolves a price for a single asset key. Implementations wrap external
// oracle networks; only their reported values are consumed here.
type Feed interface {
	GetPrice(asset string) (PriceQuote, error)
}

type namedFeed struct {
	name string
	feed Feed
}

// Adapter consults the feeds registered for an asset in priority order until a
// fresh quote is obtained. There is no silent fallback to stale data: when no
// feed is fresh the caller receives ErrStalePrice or ErrFeedUnavailable.
type Adapter struct {
	mu        sync.RWMutex
	feeds     map[string][]namedFeed
	fallbacks []namedFeed
	maxAge    time.Duration
	now       func() time.Time
}

// NewAdapter constructs an adapter enforcing the provided staleness bound.
func NewAdapter(maxAge time.Duration) *Adapter {
	if maxAge <= 0 {
		maxAge = DefaultStalenessBound
	}
	return &Adapter{
		feeds:  make(map[string][]namedFeed),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (a *Adapter) SetClock(now func() time.Time) {
	if a == nil || now == nil {
		return
	}
	a.mu.Lock()
	a.now = now
	a.mu.Unlock()
}

// Register appends a feed for the asset. Registration order is priority order.
func (a *Adapter) Register(asset, name string, feed Feed) {
	if a == nil || feed == nil {
		return
	}
	key := registry.NormalizeKey(asset)
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if key == "" || trimmed == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, entry := range a.feeds[key] {
		if entry.name == trimmed {
			a.feeds[key][i].feed = feed
			return
		}
	}
	a.feeds[key] = append(a.feeds[key], namedFeed{name: trimmed, feed: feed})
}

// RegisterFallback appends a feed consulted for every asset after its
// dedicated feeds. Fallbacks cover assets added after startup, so a newly
// listed asset is priceable without re-registering feeds.
func (a *Adapter) RegisterFallback(name string, feed Feed) {
	if a == nil || feed == nil {
		return
	}
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, entry := range a.fallbacks {
		if entry.name == trimmed {
			a.fallbacks[i].feed = feed
			return
		}
	}
	a.fallbacks = append(a.fallbacks, namedFeed{name: trimmed, feed: feed})
}

// GetPrice returns the first fresh quote for the asset. The returned quote
// carries the adapter's staleness bound so downstream checks agree with the
// adapter's own freshness rule.
func (a *Adapter) GetPrice(asset string) (PriceQuote, error) {
	if a == nil {
		return PriceQuote{}, ErrFeedUnavailable
	}
	key := registry.NormalizeKey(asset)
	a.mu.RLock()
	feeds := append([]namedFeed(nil), a.feeds[key]...)
	feeds = append(feeds, a.fallbacks...)
	maxAge := a.maxAge
	now := a.now()
	a.mu.RUnlock()

	if len(feeds) == 0 {
		return PriceQuote{}, fmt.Errorf("%w: %s", ErrFeedUnavailable, key)
	}

	sawStale := false
	var lastErr error
	for _, entry := range feeds {
		quote, err := entry.feed.GetPrice(key)
		if err != nil {
			lastErr = err
			continue
		}
		if quote.Price == nil || quote.Price.Sign() <= 0 {
			lastErr = fmt.Errorf("oracle: feed %s returned invalid price for %s", entry.name, key)
			continue
		}
		quote.StalenessBound = maxAge
		if quote.StaleAt(now) {
			sawStale = true
			continue
		}
		result := quote.Clone()
		result.Asset = key
		if strings.TrimSpace(result.Source) == "" {
			result.Source = entry.name
		}
		return result, nil
	}
	if sawStale {
		return PriceQuote{}, fmt.Errorf("%w: %s", ErrStalePrice, key)
	}
	if lastErr != nil {
		return PriceQuote{}, fmt.Errorf("%w: %s: %v", ErrFeedUnavailable, key, lastErr)
	}
	return PriceQuote{}, fmt.Errorf("%w: %s", ErrFeedUnavailable, key)
}

// ManualFeed provides an in-memory feed used for tests and manual overrides
// during incident response.
type ManualFeed struct {
	mu     sync.RWMutex
	quotes map[string]PriceQuote
}

// NewManualFeed constructs an empty manual feed.
func NewManualFeed() *ManualFeed {
	return &ManualFeed{quotes: make(map[string]PriceQuote)}
}

// Set stores the supplied price for the asset using the provided timestamp.
func (m *ManualFeed) Set(asset string, price *big.Int, ts time.Time) {
	if m == nil || price == nil {
		return
	}
	key := registry.NormalizeKey(asset)
	if key == "" {
		return
	}
	m.mu.Lock()
	m.quotes[key] = PriceQuote{
		Asset:     key,
		Price:     new(big.Int).Set(price),
		Timestamp: ts,
		Source:    "manual",
	}
	m.mu.Unlock()
}

// GetPrice retrieves the stored quote for the asset.
func (m *ManualFeed) GetPrice(asset string) (PriceQuote, error) {
	if m == nil {
		return PriceQuote{}, ErrFeedUnavailable
	}
	key := registry.NormalizeKey(asset)
	m.mu.RLock()
	stored, ok := m.quotes[key]
	m.mu.RUnlock()
	if !ok {
		return PriceQuote{}, fmt.Errorf("%w: %s", ErrFeedUnavailable, key)
	}
	return stored.Clone(), nil
}
