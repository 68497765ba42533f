package app

import (
	"fmt"
	"sort"
	"sync"

	"crypto_arb/internal/domain"
	"crypto_arb/internal/infra"
	"crypto_arb/internal/infra/binance"
	"crypto_arb/internal/infra/bitget"
	"crypto_arb/internal/infra/bybit"
	"crypto_arb/internal/infra/gate"
	"crypto_arb/internal/infra/huobi"
	"crypto_arb/internal/infra/kraken"
	"crypto_arb/internal/infra/kucoin"
	"crypto_arb/internal/infra/mexc"
	"crypto_arb/internal/infra/okx"
)

// AdapterFactory builds the market data adapter of one venue.
type AdapterFactory func(cfg infra.VenueConfig, sink domain.MarketSink, metrics *infra.Metrics) domain.Adapter

var (
	registryMu sync.RWMutex
	registry   = make(map[string]AdapterFactory)
)

func init() {
	Register(binance.VenueName, binance.New)
	Register(bitget.VenueName, bitget.New)
	Register(bybit.VenueName, bybit.New)
	Register(gate.VenueName, gate.New)
	Register(huobi.VenueName, huobi.New)
	Register(kraken.VenueName, kraken.New)
	Register(kucoin.VenueName, kucoin.New)
	Register(mexc.VenueName, mexc.New)
	Register(okx.VenueName, okx.New)
}

// Register adds a venue factory. Registering a name twice panics.
func Register(name string, f AdapterFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("app: adapter registered twice: " + name)
	}
	registry[name] = f
}

// Lookup returns the factory for name.
func Lookup(name string) (AdapterFactory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// RegisteredVenues lists registered venue names, sorted.
func RegisteredVenues() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildAdapters creates one adapter per enabled venue. An enabled venue
// without a registered factory is a configuration error.
func BuildAdapters(cfg *infra.Config, sink domain.MarketSink, metrics *infra.Metrics) ([]domain.Adapter, error) {
	var adapters []domain.Adapter
	for _, name := range cfg.EnabledVenues() {
		f, ok := Lookup(name)
		if !ok {
			return nil, domain.NewConfigError("venues."+name, "no adapter for venue (known: %v)", RegisteredVenues())
		}
		a := f(cfg.Venues[name], sink, metrics)
		if a == nil {
			return nil, fmt.Errorf("adapter factory for %s returned nil", name)
		}
		adapters = append(adapters, a)
	}
	return adapters, nil
}
