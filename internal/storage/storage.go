package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/maltedev/gpu-drop-agent/internal/models"
)

var (
	ErrCacheLoad    = errors.New("failed to load sku cache")
	ErrEmptySKU     = errors.New("product sku must not be empty")
	ErrUnknownModel = errors.New("gpu model is not cached")
)

// Entry is one (model, record) pair of a cache snapshot.
type Entry struct {
	Model  models.GpuModel
	Record models.SkuRecord
}

// SkuCache keeps the model -> record mapping in memory and writes the whole
// mapping through to a JSON file on every mutation.
type SkuCache struct {
	mu       sync.RWMutex
	records  map[models.GpuModel]models.SkuRecord
	filename string
}

// Open creates a cache bound to filename and loads it. A missing or
// unparseable file is an error: the prober has nothing to poll without it.
func Open(filename string) (*SkuCache, error) {
	c := &SkuCache{
		records:  make(map[models.GpuModel]models.SkuRecord),
		filename: filename,
	}

	if _, err := c.Load(); err != nil {
		return nil, err
	}

	return c, nil
}

// Load replaces the in-memory mapping with the file contents and returns a copy.
func (c *SkuCache) Load() (map[models.GpuModel]models.SkuRecord, error) {
	data, err := os.ReadFile(c.filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCacheLoad, err)
	}

	var records map[models.GpuModel]models.SkuRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrCacheLoad, c.filename, err)
	}
	// null and {} both leave nothing to poll.
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s holds no sku records", ErrCacheLoad, c.filename)
	}

	c.mu.Lock()
	c.records = records
	c.mu.Unlock()

	return c.copyRecords(), nil
}

func (c *SkuCache) Get(model models.GpuModel) (models.SkuRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	record, ok := c.records[model]
	return record, ok
}

// Upsert stores record under model and rewrites the file. The in-memory
// update is kept even when the file write fails; the write error is returned
// for the caller to log.
func (c *SkuCache) Upsert(model models.GpuModel, record models.SkuRecord) error {
	if record.ProductSKU == "" {
		return ErrEmptySKU
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if record.GPU == "" {
		record.GPU = model
	}
	c.records[model] = record

	return c.save()
}

// Update applies fn to the cached record of model under the write lock and
// persists the result when fn reports a change. It returns whether the record
// changed.
func (c *SkuCache) Update(model models.GpuModel, fn func(*models.SkuRecord) bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, ok := c.records[model]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}

	if !fn(&record) {
		return false, nil
	}
	if record.ProductSKU == "" {
		return false, ErrEmptySKU
	}

	c.records[model] = record
	return true, c.save()
}

// Snapshot returns every record ordered by model name.
func (c *SkuCache) Snapshot() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := make([]Entry, 0, len(c.records))
	for model, record := range c.records {
		entries = append(entries, Entry{Model: model, Record: record})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Model < entries[j].Model
	})

	return entries
}

func (c *SkuCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

func (c *SkuCache) Path() string {
	return c.filename
}

func (c *SkuCache) copyRecords() map[models.GpuModel]models.SkuRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[models.GpuModel]models.SkuRecord, len(c.records))
	for k, v := range c.records {
		out[k] = v
	}
	return out
}

// save must be called with mu held.
func (c *SkuCache) save() error {
	data, err := json.MarshalIndent(c.records, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(c.filename); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	// Write to temp file first for atomicity
	tmpFile := c.filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmpFile, c.filename)
}
