package oracle

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestGetPriceFreshQuote(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	adapter := NewAdapter(time.Hour)
	adapter.SetClock(fixedClock(now))

	feed := NewManualFeed()
	feed.Set("eth:weth", big.NewInt(2_000), now.Add(-time.Minute))
	adapter.Register("eth:weth", "primary", feed)

	quote, err := adapter.GetPrice("ETH:WETH")
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if quote.Price.Cmp(big.NewInt(2_000)) != 0 {
		t.Fatalf("unexpected price %s", quote.Price)
	}
	if quote.Source != "manual" {
		t.Fatalf("unexpected source %s", quote.Source)
	}
}

func TestGetPriceStalenessBoundary(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	bound := time.Hour

	// A quote aged exactly to the bound is stale; one second fresher is not.
	cases := []struct {
		name  string
		age   time.Duration
		stale bool
	}{
		{"age below bound", bound - time.Second, false},
		{"age equals bound", bound, true},
		{"age above bound", bound + time.Second, true},
	}
	for _, tc := range cases {
		adapter := NewAdapter(bound)
		adapter.SetClock(fixedClock(now))
		feed := NewManualFeed()
		feed.Set("eth:weth", big.NewInt(1), now.Add(-tc.age))
		adapter.Register("eth:weth", "feed", feed)

		_, err := adapter.GetPrice("eth:weth")
		if tc.stale && !errors.Is(err, ErrStalePrice) {
			t.Fatalf("%s: expected ErrStalePrice, got %v", tc.name, err)
		}
		if !tc.stale && err != nil {
			t.Fatalf("%s: expected fresh quote, got %v", tc.name, err)
		}
	}
}

func TestGetPricePriorityOrder(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	adapter := NewAdapter(time.Hour)
	adapter.SetClock(fixedClock(now))

	stale := NewManualFeed()
	stale.Set("eth:weth", big.NewInt(1_900), now.Add(-2*time.Hour))
	fresh := NewManualFeed()
	fresh.Set("eth:weth", big.NewInt(2_000), now.Add(-time.Minute))

	adapter.Register("eth:weth", "primary", stale)
	adapter.Register("eth:weth", "secondary", fresh)

	quote, err := adapter.GetPrice("eth:weth")
	if err != nil {
		t.Fatalf("expected fallback to fresh feed: %v", err)
	}
	if quote.Price.Cmp(big.NewInt(2_000)) != 0 {
		t.Fatalf("expected secondary feed price, got %s", quote.Price)
	}
}

func TestFallbackFeedCoversUnregisteredAssets(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	adapter := NewAdapter(time.Hour)
	adapter.SetClock(fixedClock(now))

	manual := NewManualFeed()
	manual.Set("sol:sol", big.NewInt(150), now.Add(-time.Minute))
	adapter.RegisterFallback("manual", manual)

	// No feed was ever registered for sol:sol specifically.
	quote, err := adapter.GetPrice("sol:sol")
	if err != nil {
		t.Fatalf("fallback should serve the asset: %v", err)
	}
	if quote.Price.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("unexpected price %s", quote.Price)
	}

	// A dedicated feed still outranks the fallback.
	primary := NewManualFeed()
	primary.Set("sol:sol", big.NewInt(151), now.Add(-time.Minute))
	adapter.Register("sol:sol", "primary", primary)
	quote, err = adapter.GetPrice("sol:sol")
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if quote.Price.Cmp(big.NewInt(151)) != 0 {
		t.Fatalf("expected dedicated feed to win, got %s", quote.Price)
	}
}

func TestGetPriceNoFeeds(t *testing.T) {
	adapter := NewAdapter(time.Hour)
	if _, err := adapter.GetPrice("eth:weth"); !errors.Is(err, ErrFeedUnavailable) {
		t.Fatalf("expected ErrFeedUnavailable, got %v", err)
	}
}

func TestGetPriceAllFeedsFailing(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	adapter := NewAdapter(time.Hour)
	adapter.SetClock(fixedClock(now))

	// The feed knows other assets but not this one.
	feed := NewManualFeed()
	feed.Set("eth:usdc", big.NewInt(1), now)
	adapter.Register("eth:weth", "feed", feed)

	if _, err := adapter.GetPrice("eth:weth"); !errors.Is(err, ErrFeedUnavailable) {
		t.Fatalf("expected ErrFeedUnavailable, got %v", err)
	}
}

func TestStaleErrorDistinctFromUnavailable(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	adapter := NewAdapter(time.Hour)
	adapter.SetClock(fixedClock(now))

	feed := NewManualFeed()
	feed.Set("eth:weth", big.NewInt(1), now.Add(-2*time.Hour))
	adapter.Register("eth:weth", "feed", feed)

	_, err := adapter.GetPrice("eth:weth")
	if !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
	if errors.Is(err, ErrFeedUnavailable) {
		t.Fatalf("stale quote must not report ErrFeedUnavailable")
	}
}
