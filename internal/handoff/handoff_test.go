package handoff

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/maltedev/gpu-drop-agent/internal/events"
	"github.com/maltedev/gpu-drop-agent/internal/models"
)

type recordingOpener struct {
	opened []string
	err    error
}

func (r *recordingOpener) Open(url string) error {
	r.opened = append(r.opened, url)
	return r.err
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, eventType, aggregateID string, payload any) error {
	args := m.Called(ctx, eventType, aggregateID, payload)
	return args.Error(0)
}

const productURL = "https://www.proshop.fi/Naeytoenohjaimet/NVIDIA-GeForce-RTX-5080/3331234"

func TestDeliver(t *testing.T) {
	ctx := context.Background()

	t.Run("success opens the basket", func(t *testing.T) {
		opener := &recordingOpener{}
		pub := new(MockPublisher)
		outcome := models.CartOutcome{Success: true, URL: productURL, GPU: models.RTX5080}
		pub.On("Publish", ctx, events.TypeCartOutcome, "RTX 5080", outcome).Return(nil)

		h := New(opener, pub, Config{}, nil)
		got := h.Deliver(ctx, outcome)

		assert.Equal(t, DefaultBasketURL, got)
		assert.Equal(t, []string{DefaultBasketURL}, opener.opened)
		pub.AssertExpectations(t)
	})

	t.Run("failure opens the product page", func(t *testing.T) {
		opener := &recordingOpener{}
		h := New(opener, nil, Config{}, nil)

		got := h.Deliver(ctx, models.CartOutcome{Success: false, URL: productURL})

		assert.Equal(t, productURL, got)
		assert.Equal(t, []string{productURL}, opener.opened)
	})

	t.Run("publish and open errors are absorbed", func(t *testing.T) {
		opener := &recordingOpener{err: errors.New("no display")}
		pub := new(MockPublisher)
		pub.On("Publish", ctx, events.TypeCartOutcome, mock.Anything, mock.Anything).Return(errors.New("redis down"))

		h := New(opener, pub, Config{}, nil)
		got := h.Deliver(ctx, models.CartOutcome{Success: true})

		assert.Equal(t, DefaultBasketURL, got)
		assert.Len(t, h.Recent(), 1)
	})

	t.Run("failure after shutdown is recorded but not opened", func(t *testing.T) {
		opener := &recordingOpener{}
		h := New(opener, nil, Config{}, nil)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		got := h.Deliver(cancelled, models.CartOutcome{Success: false, URL: productURL, Reason: "context canceled"})

		assert.Empty(t, got)
		assert.Empty(t, opener.opened)
		assert.Len(t, h.Recent(), 1)
	})

	t.Run("success after shutdown still opens the basket", func(t *testing.T) {
		opener := &recordingOpener{}
		h := New(opener, nil, Config{}, nil)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		assert.Equal(t, DefaultBasketURL, h.Deliver(cancelled, models.CartOutcome{Success: true, URL: productURL}))
		assert.Equal(t, []string{DefaultBasketURL}, opener.opened)
	})

	t.Run("no open", func(t *testing.T) {
		opener := &recordingOpener{}
		h := New(opener, nil, Config{NoOpen: true}, nil)

		assert.Equal(t, DefaultBasketURL, h.Deliver(ctx, models.CartOutcome{Success: true}))
		assert.Empty(t, opener.opened)
	})
}

func TestRecentIsBoundedAndNewestFirst(t *testing.T) {
	h := New(&recordingOpener{}, nil, Config{NoOpen: true, HistorySize: 2}, nil)

	for _, id := range []string{"a", "b", "c"} {
		h.Deliver(context.Background(), models.CartOutcome{AttemptID: id, URL: productURL})
	}

	recent := h.Recent()
	assert.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].AttemptID)
	assert.Equal(t, "b", recent[1].AttemptID)
}
