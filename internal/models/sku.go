package models

import (
	"time"
)

// GpuModel identifies one of the tracked Founders Edition tiers. It is the
// join key between the cache, the listing feed and the inventory feed.
type GpuModel string

const (
	RTX5090 GpuModel = "RTX 5090"
	RTX5080 GpuModel = "RTX 5080"
	RTX5070 GpuModel = "RTX 5070"
)

// KnownModels lists the tiers the agent knows how to track.
var KnownModels = []GpuModel{RTX5090, RTX5080, RTX5070}

func (m GpuModel) IsKnown() bool {
	for _, k := range KnownModels {
		if k == m {
			return true
		}
	}
	return false
}

// SkuRecord is one entry of the durable cache file.
type SkuRecord struct {
	DisplayName  string   `json:"displayName"`
	ProductTitle string   `json:"productTitle"`
	GPU          GpuModel `json:"gpu"`
	ProductSKU   string   `json:"productSKU"`
	UpdateAt     *int64   `json:"updateAt"` // unix milliseconds, null until first resolution
}

// UpdatedAt returns the last resolution time, or the zero time if the record
// was never updated by the resolver.
func (r SkuRecord) UpdatedAt() time.Time {
	if r.UpdateAt == nil {
		return time.Time{}
	}
	return time.UnixMilli(*r.UpdateAt)
}

// Touch stamps the record with t.
func (r *SkuRecord) Touch(t time.Time) {
	ms := t.UnixMilli()
	r.UpdateAt = &ms
}

// ListingRecord is a single product of the manufacturer listing feed.
type ListingRecord struct {
	GPU        GpuModel `json:"gpu"`
	ProductSKU string   `json:"productSKU"`
}

// ListingResponse mirrors the listing endpoint body. Only the fields the
// resolver needs are decoded.
type ListingResponse struct {
	SearchedProducts struct {
		ProductDetails []ListingRecord `json:"productDetails"`
	} `json:"searchedProducts"`
}

// StockEntry is one element of the inventory listMap.
type StockEntry struct {
	IsActive   string `json:"is_active"`
	ProductURL string `json:"product_url"`
	Price      string `json:"price"`
	FeSKU      string `json:"fe_sku"`
	Locale     string `json:"locale,omitempty"`
}

// InventoryResult is the per-SKU inventory snapshot.
type InventoryResult struct {
	Success bool         `json:"success"`
	Map     any          `json:"map"`
	ListMap []StockEntry `json:"listMap"`
}

// First returns the first stock entry, if any.
func (r *InventoryResult) First() (StockEntry, bool) {
	if r == nil || len(r.ListMap) == 0 {
		return StockEntry{}, false
	}
	return r.ListMap[0], true
}

// CartOutcome is the terminal result of an add-to-cart attempt. Success is
// derived from page state only; the retailer has no explicit "added" signal.
type CartOutcome struct {
	AttemptID  string    `json:"attempt_id"`
	Success    bool      `json:"success"`
	Product    string    `json:"product"`
	URL        string    `json:"url"`
	GPU        GpuModel  `json:"gpu,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}
