package resolver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/maltedev/gpu-drop-agent/internal/metrics"
	"github.com/maltedev/gpu-drop-agent/internal/models"
	"github.com/maltedev/gpu-drop-agent/internal/storage"
)

// ListingSource fetches the manufacturer product listing.
type ListingSource interface {
	FetchListing(ctx context.Context) ([]models.ListingRecord, error)
}

// Store is the part of the SKU cache the resolver mutates.
type Store interface {
	Update(model models.GpuModel, fn func(*models.SkuRecord) bool) (bool, error)
}

// Resolver keeps the cached SKU codes in line with the listing feed. The
// cache decides which models are tracked; feed entries for other models are
// ignored.
type Resolver struct {
	source   ListingSource
	store    Store
	interval time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

type Config struct {
	Interval time.Duration
	Metrics  *metrics.Metrics
}

func New(source ListingSource, store Store, logger *slog.Logger, cfg Config) *Resolver {
	if cfg.Interval <= 0 {
		cfg.Interval = 20 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{
		source:   source,
		store:    store,
		interval: cfg.Interval,
		now:      time.Now,
		metrics:  cfg.Metrics,
		logger:   logger.With("component", "listing_resolver"),
	}
}

// Start polls the listing feed until ctx is done. A failed tick is logged and
// retried by the next scheduled tick.
func (r *Resolver) Start(ctx context.Context) error {
	r.logger.Info("starting listing resolver", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("listing poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			r.logger.Info("listing resolver stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick fetches the listing once and applies it.
func (r *Resolver) Tick(ctx context.Context) error {
	started := time.Now()
	records, err := r.source.FetchListing(ctx)
	r.metrics.ObserveAPI("listing", started)
	r.metrics.ObserveTick("listing", err)
	if err != nil {
		return err
	}

	r.Apply(records)
	return nil
}

// Apply reconciles records against the cache and returns the number of
// models whose SKU code changed. Applying the same records again returns 0.
func (r *Resolver) Apply(records []models.ListingRecord) int {
	changed := 0

	for _, rec := range records {
		if rec.ProductSKU == "" || !rec.GPU.IsKnown() {
			continue
		}

		now := r.now()
		updated, err := r.store.Update(rec.GPU, func(cached *models.SkuRecord) bool {
			if cached.ProductSKU == rec.ProductSKU {
				return false
			}
			r.logger.Info("sku rotated",
				"gpu", rec.GPU,
				"old_sku", cached.ProductSKU,
				"new_sku", rec.ProductSKU)
			cached.ProductSKU = rec.ProductSKU
			cached.Touch(now)
			return true
		})

		if errors.Is(err, storage.ErrUnknownModel) {
			continue
		}
		if err != nil {
			// The in-memory record is already updated; only the file is stale.
			r.logger.Error("failed to persist sku cache", "gpu", rec.GPU, "error", err)
		}

		if updated {
			changed++
			r.metrics.ObserveRotation(rec.GPU)
		} else if err == nil {
			r.logger.Debug("local sku data up to date", "gpu", rec.GPU)
		}
	}

	return changed
}
