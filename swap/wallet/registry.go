// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blocknetdx/xbridge-go/dex"
	"golang.org/x/sync/semaphore"
)

// QuarantinePeriod is how long a wallet whose Init failed is left out of the
// active registry before being re-probed.
const QuarantinePeriod = 300 * time.Second

// DefaultRPCThreads is the default bound on concurrent Init probes during a
// refresh pass, overridable by the -rpcthreads command-line flag.
const DefaultRPCThreads = 4

// Factory builds a Connector from a wallet's configuration; it is supplied
// by the caller so Registry stays ignorant of CreateTxMethod-specific wiring
// (the BTC/BCH/DGB connector constructors live outside this package).
type Factory func(currency string) (Connector, error)

// quarantined records when a currency may next be re-probed.
type quarantined struct {
	until time.Time
}

// Registry is the process-wide connector registry (component C1): a
// currency-keyed map plus a secondary raw-address-keyed map, refreshed on a
// timer with bounded RPC parallelism. Registry itself never blocks on RPC;
// Refresh fans probes out to a worker pool and waits for them.
type Registry struct {
	mu sync.RWMutex // "connectorsLock": guards byCurrency and byAddress together
	byCurrency map[string]Connector
	byAddress map[[20]byte]Connector
	quarantine map[string]quarantined

	factory Factory
	rpcThreads int64
	log dex.Logger
}

// New creates an empty Registry. factory is consulted once per currency
// during Refresh to (re)build a Connector.
func New(factory Factory, rpcThreads int, log dex.Logger) *Registry {
	if rpcThreads <= 0 {
		rpcThreads = DefaultRPCThreads
	}
	return &Registry{
		byCurrency: make(map[string]Connector),
		byAddress: make(map[[20]byte]Connector),
		quarantine: make(map[string]quarantined),
		factory: factory,
		rpcThreads: int64(rpcThreads),
		log: log,
	}
}

// Get returns the connector currently registered for currency.
func (r *Registry) Get(currency string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byCurrency[currency]
	return c, ok
}

// GetByAddress returns the connector whose currency claims rawAddress.
func (r *Registry) GetByAddress(rawAddress [20]byte) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byAddress[rawAddress]
	return c, ok
}

// Currencies returns the set of currencies currently active (not
// quarantined), the set Refresh pushes to the exchange collaborator.
func (r *Registry) Currencies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byCurrency))
	for c := range r.byCurrency {
		out = append(out, c)
	}
	return out
}

// set installs connector atomically with respect to the address map: any
// raw addresses previously tied to currency are removed before the new
// ones (if any) are installed, so a stale address never outlives its
// connector.
func (r *Registry) set(currency string, connector Connector, addresses [][20]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeAddressesForCurrencyLocked(currency)
	r.byCurrency[currency] = connector
	for _, a := range addresses {
		r.byAddress[a] = connector
	}
}

// remove atomically drops currency's connector and every address mapped to
// it, used when a wallet is quarantined.
func (r *Registry) remove(currency string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeAddressesForCurrencyLocked(currency)
	delete(r.byCurrency, currency)
}

func (r *Registry) removeAddressesForCurrencyLocked(currency string) {
	existing, ok := r.byCurrency[currency]
	if !ok {
		return
	}
	for addr, c := range r.byAddress {
		if c == existing {
			delete(r.byAddress, addr)
		}
	}
}

// RefreshResult summarizes one Refresh pass.
type RefreshResult struct {
	Activated []string
	Quarantined []string
}

// Refresh runs Init concurrently for every currency in configured, bounded
// by rpcThreads, moving failures into quarantine for QuarantinePeriod and
// skipping currencies still quarantined from a previous pass. It is the
// "updatingWalletsLock" single-flight operation of — callers must
// serialize their own calls to Refresh; Registry does not do so itself, to
// keep this type free of scheduling policy.
func (r *Registry) Refresh(ctx context.Context, configured []string) RefreshResult {
	sem := semaphore.NewWeighted(r.rpcThreads)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		result RefreshResult
	)

	now := time.Now()
	for _, currency := range configured {
		r.mu.RLock()
		q, quarantinedNow := r.quarantine[currency]
		r.mu.RUnlock()
		if quarantinedNow && now.Before(q.until) {
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break // context cancelled; stop launching new probes
		}
		wg.Add(1)
		go func(currency string) {
			defer wg.Done()
			defer sem.Release(1)

			conn, addresses, err := r.probe(currency)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.log.Warnf("wallet %s failed init, quarantining for %s: %v", currency, QuarantinePeriod, err)
				r.quarantineCurrency(currency)
				result.Quarantined = append(result.Quarantined, currency)
				return
			}
			r.set(currency, conn, addresses)
			result.Activated = append(result.Activated, currency)
		}(currency)
	}
	wg.Wait()
	return result
}

func (r *Registry) probe(currency string) (Connector, [][20]byte, error) {
	conn, err := r.factory(currency)
	if err != nil {
		return nil, nil, fmt.Errorf("building connector for %s: %w", currency, err)
	}
	if err := conn.Init(); err != nil {
		return nil, nil, fmt.Errorf("probing %s: %w", currency, err)
	}
	addresses, err := conn.ServiceAddresses()
	if err != nil {
		return nil, nil, fmt.Errorf("resolving service addresses for %s: %w", currency, err)
	}
	return conn, addresses, nil
}

func (r *Registry) quarantineCurrency(currency string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quarantine[currency] = quarantined{until: time.Now().Add(QuarantinePeriod)}
	r.removeAddressesForCurrencyLocked(currency)
	delete(r.byCurrency, currency)
}
