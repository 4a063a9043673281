package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

var (
	// ErrUnknownAsset indicates no feed knows the requested asset.
	ErrUnknownAsset = errors.New("oracle: no feed for asset")
	// ErrNoFreshQuote indicates no registered feed produced a quote within
	// the configured freshness window.
	ErrNoFreshQuote = errors.New("oracle: no fresh quote available")
	// ErrInvalidPrice indicates a feed produced a zero or negative price.
	ErrInvalidPrice = errors.New("oracle: non-positive price")
)

// PriceQuote carries an 8-decimal fixed-point USD price along with the
// timestamp reported by the feed and the feed identifier.
type PriceQuote struct {
	Price     *big.Int
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q PriceQuote) Clone() PriceQuote {
	clone := PriceQuote{Timestamp: q.Timestamp, Source: q.Source}
	if q.Price != nil {
		clone.Price = new(big.Int).Set(q.Price)
	}
	return clone
}

// PriceFeed resolves a USD quote for a single asset identifier.
type PriceFeed interface {
	Quote(asset string) (PriceQuote, error)
}

// Aggregator consults registered feeds in priority order until a valid quote
// inside the freshness window is obtained. Staleness policy lives here, not in
// the consuming engine.
type Aggregator struct {
	mu       sync.RWMutex
	priority []string
	feeds    map[string]PriceFeed
	maxAge   time.Duration
	now      func() time.Time
}

// NewAggregator constructs an aggregator with the provided freshness window.
// A zero maxAge disables staleness filtering.
func NewAggregator(maxAge time.Duration) *Aggregator {
	return &Aggregator{
		feeds:  make(map[string]PriceFeed),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Register appends a feed under the given name. Registration order is the
// consultation priority.
func (a *Aggregator) Register(name string, feed PriceFeed) {
	if a == nil || name == "" || feed == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.feeds[name]; !exists {
		a.priority = append(a.priority, name)
	}
	a.feeds[name] = feed
}

// SetMaxAge updates the freshness window used when filtering quotes.
func (a *Aggregator) SetMaxAge(maxAge time.Duration) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxAge = maxAge
}

// SetClock overrides the time source used for staleness checks.
func (a *Aggregator) SetClock(now func() time.Time) {
	if a == nil || now == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

// GetPrice returns the first fresh, positive price for the asset.
func (a *Aggregator) GetPrice(asset string) (*big.Int, error) {
	quote, err := a.GetPriceWithTimestamp(asset)
	if err != nil {
		return nil, err
	}
	return quote.Price, nil
}

// GetPriceWithTimestamp returns the full quote, including the feed's last
// update time, for callers that audit freshness downstream.
func (a *Aggregator) GetPriceWithTimestamp(asset string) (PriceQuote, error) {
	if a == nil {
		return PriceQuote{}, ErrUnknownAsset
	}
	a.mu.RLock()
	priority := append([]string(nil), a.priority...)
	feeds := make(map[string]PriceFeed, len(a.feeds))
	for name, feed := range a.feeds {
		feeds[name] = feed
	}
	maxAge := a.maxAge
	now := a.now()
	a.mu.RUnlock()

	known := false
	for _, name := range priority {
		feed := feeds[name]
		quote, err := feed.Quote(asset)
		if errors.Is(err, ErrUnknownAsset) {
			continue
		}
		if err != nil {
			// The feed knows the asset but could not quote it right now.
			known = true
			continue
		}
		known = true
		if quote.Price == nil || quote.Price.Sign() <= 0 {
			continue
		}
		if maxAge > 0 && now.Sub(quote.Timestamp) > maxAge {
			continue
		}
		quote.Source = name
		return quote.Clone(), nil
	}
	if !known {
		return PriceQuote{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return PriceQuote{}, fmt.Errorf("%w: %s", ErrNoFreshQuote, asset)
}

// ManualFeed stores operator-posted prices, timestamped at the moment they are
// set. It backs deployments where prices arrive through the admin surface.
type ManualFeed struct {
	mu     sync.RWMutex
	quotes map[string]PriceQuote
	now    func() time.Time
}

func NewManualFeed() *ManualFeed {
	return &ManualFeed{
		quotes: make(map[string]PriceQuote),
		now:    time.Now,
	}
}

// SetClock overrides the timestamp source for posted prices.
func (f *ManualFeed) SetClock(now func() time.Time) {
	if f == nil || now == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// SetPrice posts a price for the asset. Non-positive prices are rejected.
func (f *ManualFeed) SetPrice(asset string, price *big.Int) error {
	if f == nil {
		return ErrInvalidPrice
	}
	if price == nil || price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[asset] = PriceQuote{Price: new(big.Int).Set(price), Timestamp: f.now()}
	return nil
}

// Quote returns the posted price for the asset.
func (f *ManualFeed) Quote(asset string) (PriceQuote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	quote, ok := f.quotes[asset]
	if !ok {
		return PriceQuote{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return quote.Clone(), nil
}
