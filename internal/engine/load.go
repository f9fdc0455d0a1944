package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/iapsync/internal/billing"
	"github.com/roach88/iapsync/internal/offering"
)

// LoadProducts fetches and normalizes the expected offerings. It is a
// no-op when the manager is terminal, not connected, already loading,
// already holds products, or has spent its attempt budget.
//
// Failed attempts back off LoadBackoff(attempt) before retrying. A
// non-empty product list is never replaced by an empty one.
func (m *Manager) LoadProducts(ctx context.Context) error {
	return m.loadProducts(ctx, false)
}

// RetryLoadProducts resets the attempt budget and loads again, even when
// a partial product list is already published.
func (m *Manager) RetryLoadProducts(ctx context.Context) error {
	m.mu.Lock()
	m.loadAttempts = 0
	m.mu.Unlock()
	return m.loadProducts(ctx, true)
}

func (m *Manager) maxLoadAttempts() int {
	if n := m.cfg.Timing.MaxLoadAttempts; n > 0 {
		return n
	}
	return 1
}

func (m *Manager) loadProducts(ctx context.Context, force bool) error {
	maxAttempts := m.maxLoadAttempts()

	var skip string
	m.mutate(func(s *State) bool {
		complete := len(s.MissingSKUs) == 0 && !s.PricesMissing
		switch {
		case s.Terminal:
			skip = "terminal"
		case s.ConnectionStatus != StatusConnected:
			skip = "not connected"
		case s.IsLoadingProducts:
			skip = "already loading"
		case len(s.Products) > 0 && (!force || complete):
			skip = "already loaded"
		case m.loadAttempts >= maxAttempts:
			skip = "attempt budget exhausted"
		default:
			s.IsLoadingProducts = true
			return true
		}
		return false
	})
	if skip != "" {
		m.logger.Debug("offering load skipped", "reason", skip)
		return nil
	}
	defer m.mutate(func(s *State) bool {
		s.IsLoadingProducts = false
		return true
	})

	var lastErr error
	for {
		m.mu.Lock()
		if m.loadAttempts >= maxAttempts {
			m.mu.Unlock()
			break
		}
		m.loadAttempts++
		attempt := m.loadAttempts
		m.mu.Unlock()

		products, err := m.fetchOnce(ctx)
		m.metrics.RecordLoadAttempt(err)

		if err != nil && IsTerminal(err) {
			var e *Error
			errors.As(err, &e)
			m.setError(e)
			m.logger.Error("offerings unusable", "attempt", attempt, "error", err)
			return err
		}

		if err == nil && len(products) > 0 {
			missing, pricesMissing := m.publishProducts(products)
			if len(missing) == 0 && !pricesMissing {
				m.logger.Info("offerings loaded", "count", len(products), "attempt", attempt)
				return nil
			}
			err = fmt.Errorf("partial offerings: missing %v, prices missing %t", missing, pricesMissing)
		} else if err == nil {
			err = errors.New("no offerings returned")
		}
		lastErr = err

		m.logger.Warn("offering load attempt failed",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"error", err)

		if attempt >= maxAttempts {
			break
		}
		if err := m.clock.Sleep(ctx, m.cfg.Timing.LoadBackoff(attempt)); err != nil {
			return err
		}
	}

	if lastErr == nil {
		return nil
	}
	e := newError(CodeLoadFailed, "offerings could not be loaded", lastErr)
	m.setError(e)
	return e
}

// publishProducts replaces the product list with a non-empty result and
// returns what is still missing.
func (m *Manager) publishProducts(products []offering.Product) ([]string, bool) {
	missing := offering.MissingSKUs(products, m.expected)
	pricesMissing := offering.PricesMissing(products, m.expected)
	m.mutate(func(s *State) bool {
		s.Products = append([]offering.Product{}, products...)
		s.MissingSKUs = missing
		s.PricesMissing = pricesMissing
		if len(missing) == 0 && !pricesMissing && s.LastError != nil && s.LastError.Code == CodeLoadFailed {
			s.LastError = nil
		}
		return true
	})
	return missing, pricesMissing
}

type skuGroup struct {
	kind billing.ProductKind
	skus []string
}

// skuGroups splits the expected SKUs by store kind, in configuration order.
func (m *Manager) skuGroups() []skuGroup {
	var groups []skuGroup
	index := map[billing.ProductKind]int{}
	for _, sku := range m.expected {
		kind := billing.KindInApp
		if m.cfg.SKUType(sku) == offering.TypeSubscription {
			kind = billing.KindSubscription
		}
		i, ok := index[kind]
		if !ok {
			i = len(groups)
			index[kind] = i
			groups = append(groups, skuGroup{kind: kind})
		}
		groups[i].skus = append(groups[i].skus, sku)
	}
	return groups
}

// fetchOnce runs one load attempt across every SKU group.
func (m *Manager) fetchOnce(ctx context.Context) ([]offering.Product, error) {
	var raws []json.RawMessage
	for _, g := range m.skuGroups() {
		got, err := m.fetchGroup(ctx, g)
		if err != nil {
			return nil, err
		}
		raws = append(raws, got...)
	}
	if len(raws) == 0 {
		return nil, nil
	}

	var conv offering.Converter
	if c := m.Methods().Converter; c != nil {
		conv = c.ConvertOffering
	}
	products, rejected := offering.NormalizeAll(raws, conv)
	for _, r := range rejected {
		m.logger.Warn("offering rejected", "index", r.Index, "error", r.Err)
	}
	if len(products) == 0 {
		errs := make([]error, 0, len(rejected))
		for _, r := range rejected {
			errs = append(errs, r)
		}
		return nil, newError(CodeNormalizationFailed,
			fmt.Sprintf("%d offerings returned, none usable", len(raws)),
			errors.Join(errs...))
	}
	return products, nil
}

// fetchGroup tries each fetch method in priority order. A method that is
// not found triggers one re-probe of the module before the next method is
// tried; any other error ends the attempt.
func (m *Manager) fetchGroup(ctx context.Context, g skuGroup) ([]json.RawMessage, error) {
	methods := fetchOrder(m.Methods().Fetch, g.kind)
	var lastErr error
	for _, fm := range methods {
		raws, err := fm.Fetch(ctx, g.skus, g.kind)
		if err == nil {
			return raws, nil
		}
		if !billing.IsMethodNotFound(err) {
			return nil, fmt.Errorf("%s: %w", fm.Name, err)
		}
		if fresh, ok := m.reprobe(fm.Name); ok {
			raws, err = fresh.Fetch(ctx, g.skus, g.kind)
			if err == nil {
				return raws, nil
			}
			if !billing.IsMethodNotFound(err) {
				return nil, fmt.Errorf("%s: %w", fm.Name, err)
			}
		}
		m.logger.Debug("fetch method unavailable", "method", fm.Name, "kind", g.kind)
		lastErr = fmt.Errorf("%s: %w", fm.Name, err)
	}
	if lastErr == nil {
		lastErr = billing.ErrCapabilityMissing
	}
	return nil, fmt.Errorf("no fetch method available: %w", lastErr)
}

// fetchOrder keeps the unified fetch first and prefers the legacy method
// matching kind over the other one.
func fetchOrder(methods []billing.FetchMethod, kind billing.ProductKind) []billing.FetchMethod {
	out := append([]billing.FetchMethod(nil), methods...)
	rank := func(name string) int {
		switch name {
		case "getProducts":
			if kind == billing.KindSubscription {
				return 2
			}
			return 1
		case "getSubscriptions":
			if kind == billing.KindSubscription {
				return 1
			}
			return 2
		default:
			return 0
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return rank(out[i].Name) < rank(out[j].Name)
	})
	return out
}

// reprobe re-inspects the module once per manager lifetime and returns the
// named fetch method from the fresh selection.
func (m *Manager) reprobe(name string) (billing.FetchMethod, bool) {
	m.mu.Lock()
	if m.reprobed {
		m.mu.Unlock()
		return billing.FetchMethod{}, false
	}
	m.reprobed = true
	m.mu.Unlock()

	sel := billing.Probe(m.module)
	if err := sel.Validate(); err != nil {
		m.logger.Warn("re-probe found no usable capabilities", "error", err)
		return billing.FetchMethod{}, false
	}

	m.mu.Lock()
	m.methods = sel
	m.mu.Unlock()
	m.logger.Info("billing module re-probed", "methods", sel.Names())

	return sel.FetchByName(name)
}
