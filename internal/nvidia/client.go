package nvidia

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maltedev/gpu-drop-agent/internal/models"
)

const (
	DefaultListingURL   = "https://api.nvidia.partners/edge/product/search"
	DefaultInventoryURL = "https://api.store.nvidia.com/partner/v1/feinventory"
	DefaultLocale       = "fi-fi"
)

var ErrUnexpectedStatus = errors.New("unexpected status code")

type Options struct {
	ListingURL   string
	InventoryURL string
	Locale       string
	PageSize     int
	Timeout      time.Duration
	UserAgent    string
}

func DefaultOptions() Options {
	return Options{
		ListingURL:   DefaultListingURL,
		InventoryURL: DefaultInventoryURL,
		Locale:       DefaultLocale,
		PageSize:     12,
		Timeout:      10 * time.Second,
		UserAgent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/135.0.0.0 Safari/537.36",
	}
}

// Client talks to the manufacturer listing feed and the per-SKU inventory feed.
type Client struct {
	http   *http.Client
	opts   Options
	logger *slog.Logger
}

func NewClient(opts Options, logger *slog.Logger) *Client {
	def := DefaultOptions()
	if opts.ListingURL == "" {
		opts.ListingURL = def.ListingURL
	}
	if opts.InventoryURL == "" {
		opts.InventoryURL = def.InventoryURL
	}
	if opts.Locale == "" {
		opts.Locale = def.Locale
	}
	if opts.PageSize <= 0 {
		opts.PageSize = def.PageSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		http:   &http.Client{Timeout: opts.Timeout},
		opts:   opts,
		logger: logger.With("component", "nvidia_client"),
	}
}

// FetchListing returns the current product details of the GPU category.
func (c *Client) FetchListing(ctx context.Context) ([]models.ListingRecord, error) {
	q := url.Values{}
	q.Set("page", "1")
	q.Set("limit", fmt.Sprintf("%d", c.opts.PageSize))
	q.Set("locale", c.opts.Locale)
	q.Set("manufacturer", "NVIDIA")
	q.Set("manufacturer_filter", "NVIDIA~2")
	q.Set("category", "GPU")

	var resp models.ListingResponse
	if err := c.getJSON(ctx, c.opts.ListingURL, q, &resp); err != nil {
		return nil, fmt.Errorf("fetch listing: %w", err)
	}

	return resp.SearchedProducts.ProductDetails, nil
}

// FetchInventory returns the inventory snapshot for the given SKU codes.
func (c *Client) FetchInventory(ctx context.Context, skus ...string) (*models.InventoryResult, error) {
	if len(skus) == 0 {
		return nil, fmt.Errorf("fetch inventory: no skus given")
	}

	q := url.Values{}
	q.Set("status", "1")
	q.Set("skus", strings.Join(skus, ","))
	q.Set("locale", c.opts.Locale)

	var resp models.InventoryResult
	if err := c.getJSON(ctx, c.opts.InventoryURL, q, &resp); err != nil {
		return nil, fmt.Errorf("fetch inventory %s: %w", strings.Join(skus, ","), err)
	}

	return &resp, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, q url.Values, out any) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.logger.Debug("api call", "url", u.String(), "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
