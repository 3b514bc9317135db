package prober

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/maltedev/gpu-drop-agent/internal/metrics"
	"github.com/maltedev/gpu-drop-agent/internal/models"
	"github.com/maltedev/gpu-drop-agent/internal/storage"
)

// InventorySource fetches the inventory snapshot of SKU codes.
type InventorySource interface {
	FetchInventory(ctx context.Context, skus ...string) (*models.InventoryResult, error)
}

// SkuLister exposes the cached records to poll.
type SkuLister interface {
	Snapshot() []storage.Entry
}

// Handler receives confirmed stock. It runs in its own goroutine and is not
// awaited by the poll loop.
type Handler func(ctx context.Context, gpu models.GpuModel, purchaseURL string)

// InStock reports whether res confirms purchasable stock: success, an active
// first entry (the literal string "true") and a non-empty purchase URL.
func InStock(res *models.InventoryResult) bool {
	if res == nil || !res.Success {
		return false
	}
	first, ok := res.First()
	if !ok {
		return false
	}
	return first.IsActive == "true" && len(first.ProductURL) > 0
}

// Report summarises one tick.
type Report struct {
	Checked    int
	InStock    int
	Failed     int
	Dispatched int
	Skipped    int
}

type Prober struct {
	source   InventorySource
	skus     SkuLister
	handler  Handler
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	inFlight map[string]models.GpuModel
	dispatch sync.WaitGroup
}

type Config struct {
	Interval time.Duration
	Metrics  *metrics.Metrics
}

func New(source InventorySource, skus SkuLister, handler Handler, logger *slog.Logger, cfg Config) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Prober{
		source:   source,
		skus:     skus,
		handler:  handler,
		interval: cfg.Interval,
		metrics:  cfg.Metrics,
		logger:   logger.With("component", "inventory_prober"),
		inFlight: make(map[string]models.GpuModel),
	}
}

// Start polls inventory until ctx is done.
func (p *Prober) Start(ctx context.Context) error {
	p.logger.Info("starting inventory prober", "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Tick(ctx)

		select {
		case <-ctx.Done():
			p.logger.Info("inventory prober stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick issues one inventory call per cached SKU concurrently. Each call's
// failure is isolated to that SKU. Tick returns once every call finished;
// handlers dispatched for confirmed stock keep running.
func (p *Prober) Tick(ctx context.Context) Report {
	entries := p.skus.Snapshot()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		report Report
	)

	for _, entry := range entries {
		if entry.Record.ProductSKU == "" {
			continue
		}

		wg.Add(1)
		go func(gpu models.GpuModel, sku string) {
			defer wg.Done()

			inStock, dispatched, err := p.check(ctx, gpu, sku)

			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			switch {
			case err != nil:
				report.Failed++
			case inStock && dispatched:
				report.InStock++
				report.Dispatched++
			case inStock:
				report.InStock++
				report.Skipped++
			}
		}(entry.Model, entry.Record.ProductSKU)
	}

	wg.Wait()

	var tickErr error
	if report.Checked > 0 && report.Failed == report.Checked {
		tickErr = errAllFailed
	}
	p.metrics.ObserveTick("inventory", tickErr)

	return report
}

func (p *Prober) check(ctx context.Context, gpu models.GpuModel, sku string) (inStock, dispatched bool, err error) {
	started := time.Now()
	res, err := p.source.FetchInventory(ctx, sku)
	p.metrics.ObserveAPI("inventory", started)
	if err != nil {
		p.logger.Error("error checking stock", "gpu", gpu, "sku", sku, "error", err)
		return false, false, err
	}

	inStock = InStock(res)
	p.metrics.SetStock(gpu, sku, inStock)
	if !inStock {
		p.logger.Debug("not in stock", "gpu", gpu, "sku", sku)
		return false, false, nil
	}

	first, _ := res.First()
	p.logger.Info("in stock", "gpu", gpu, "sku", sku, "url", first.ProductURL, "price", first.Price)

	return true, p.dispatchOnce(ctx, gpu, sku, first.ProductURL), nil
}

// dispatchOnce runs the handler unless an attempt for sku is still running.
func (p *Prober) dispatchOnce(ctx context.Context, gpu models.GpuModel, sku, purchaseURL string) bool {
	if p.handler == nil {
		return false
	}

	p.mu.Lock()
	if _, busy := p.inFlight[sku]; busy {
		p.mu.Unlock()
		p.logger.Debug("checkout already in flight", "gpu", gpu, "sku", sku)
		return false
	}
	p.inFlight[sku] = gpu
	p.mu.Unlock()

	p.dispatch.Add(1)
	go func() {
		defer p.dispatch.Done()
		defer func() {
			p.mu.Lock()
			delete(p.inFlight, sku)
			p.mu.Unlock()
		}()

		p.handler(ctx, gpu, purchaseURL)
	}()

	return true
}

// InFlight returns the SKU codes with a running checkout attempt.
func (p *Prober) InFlight() map[string]models.GpuModel {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]models.GpuModel, len(p.inFlight))
	for k, v := range p.inFlight {
		out[k] = v
	}
	return out
}

// Wait blocks until all dispatched handlers returned.
func (p *Prober) Wait() {
	p.dispatch.Wait()
}

type proberError string

func (e proberError) Error() string { return string(e) }

const errAllFailed proberError = "all inventory calls failed"
