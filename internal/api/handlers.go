package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/gpu-drop-agent/internal/models"
	"github.com/maltedev/gpu-drop-agent/internal/storage"
)

type SkuSource interface {
	Snapshot() []storage.Entry
}

type InFlightSource interface {
	InFlight() map[string]models.GpuModel
}

type OutcomeSource interface {
	Recent() []models.CartOutcome
}

// Handlers serve the read-only status API. Sources may be nil when the
// corresponding component is not running in the current mode.
type Handlers struct {
	skus     SkuSource
	inFlight InFlightSource
	outcomes OutcomeSource
	mode     string
	started  time.Time
	logger   *slog.Logger
}

func NewHandlers(skus SkuSource, inFlight InFlightSource, outcomes OutcomeSource, mode string, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		skus:     skus,
		inFlight: inFlight,
		outcomes: outcomes,
		mode:     mode,
		started:  time.Now(),
		logger:   logger.With("component", "api"),
	}
}

type SkuView struct {
	GPU          models.GpuModel `json:"gpu"`
	DisplayName  string          `json:"display_name"`
	ProductTitle string          `json:"product_title"`
	ProductSKU   string          `json:"product_sku"`
	UpdatedAt    *time.Time      `json:"updated_at,omitempty"`
}

type InFlightView struct {
	SKU string          `json:"sku"`
	GPU models.GpuModel `json:"gpu"`
}

type CheckoutsResponse struct {
	InFlight []InFlightView       `json:"in_flight"`
	Recent   []models.CartOutcome `json:"recent"`
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	tracked := 0
	if h.skus != nil {
		tracked = len(h.skus.Snapshot())
	}

	status := http.StatusOK
	health := map[string]any{
		"status":       "ok",
		"mode":         h.mode,
		"uptime":       time.Since(h.started).Round(time.Second).String(),
		"tracked_skus": tracked,
	}
	if h.skus != nil && tracked == 0 {
		health["status"] = "error"
		health["message"] = "no SKUs tracked"
		status = http.StatusServiceUnavailable
	}

	h.respondJSON(w, status, health)
}

func (h *Handlers) ListSkus(w http.ResponseWriter, r *http.Request) {
	views := []SkuView{}
	if h.skus != nil {
		for _, e := range h.skus.Snapshot() {
			views = append(views, toView(e))
		}
	}
	h.respondJSON(w, http.StatusOK, views)
}

func (h *Handlers) GetSku(w http.ResponseWriter, r *http.Request) {
	want := normalizeModel(chi.URLParam(r, "model"))

	if h.skus != nil {
		for _, e := range h.skus.Snapshot() {
			if normalizeModel(string(e.Model)) == want {
				h.respondJSON(w, http.StatusOK, toView(e))
				return
			}
		}
	}

	h.respondError(w, http.StatusNotFound, "model not tracked")
}

func (h *Handlers) ListCheckouts(w http.ResponseWriter, r *http.Request) {
	resp := CheckoutsResponse{
		InFlight: []InFlightView{},
		Recent:   []models.CartOutcome{},
	}

	if h.inFlight != nil {
		for sku, gpu := range h.inFlight.InFlight() {
			resp.InFlight = append(resp.InFlight, InFlightView{SKU: sku, GPU: gpu})
		}
	}
	if h.outcomes != nil {
		resp.Recent = append(resp.Recent, h.outcomes.Recent()...)
	}

	h.respondJSON(w, http.StatusOK, resp)
}

func toView(e storage.Entry) SkuView {
	v := SkuView{
		GPU:          e.Model,
		DisplayName:  e.Record.DisplayName,
		ProductTitle: e.Record.ProductTitle,
		ProductSKU:   e.Record.ProductSKU,
	}
	if t := e.Record.UpdatedAt(); !t.IsZero() {
		t = t.UTC()
		v.UpdatedAt = &t
	}
	return v
}

// normalizeModel lets "RTX 5080", "rtx5080" and "RTX-5080" address the same model.
func normalizeModel(s string) string {
	s = strings.ToLower(s)
	return strings.NewReplacer(" ", "", "-", "", "_", "").Replace(s)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
