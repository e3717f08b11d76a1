package qc

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarppi/telegram-qc-bot/internal/ai"
	"github.com/mkarppi/telegram-qc-bot/internal/product"
)

type fakeGateway struct {
	identify func(ctx context.Context, in ai.IdentifyInput) (*product.Details, error)
	inspect  func(ctx context.Context, in ai.InspectInput) (*product.QCReport, error)
}

func (f *fakeGateway) Identify(ctx context.Context, in ai.IdentifyInput) (*product.Details, error) {
	return f.identify(ctx, in)
}

func (f *fakeGateway) Inspect(ctx context.Context, in ai.InspectInput) (*product.QCReport, error) {
	return f.inspect(ctx, in)
}

type fakeProvider struct {
	gateway Gateway
	err     error
}

func (f *fakeProvider) ForUser(ctx context.Context, ownerID int64) (Gateway, error) {
	return f.gateway, f.err
}

// fakeStore is an in-memory Store that records writes in order. block, when
// set, stalls SaveProduct until released.
type fakeStore struct {
	mu       sync.Mutex
	saves    []product.Product
	deletes  []string
	existing []*product.Product
	block    chan struct{}
}

func (s *fakeStore) SaveProduct(p *product.Product) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, *p)
	return nil
}

func (s *fakeStore) LoadProducts(ownerID int64) ([]*product.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existing, nil
}

func (s *fakeStore) DeleteProducts(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, ids...)
	return nil
}

func (s *fakeStore) savedStatuses() []product.ProcessingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []product.ProcessingStatus
	for _, p := range s.saves {
		out = append(out, p.Status)
	}
	return out
}

type fakeFetcher struct {
	result string
	err    error
}

func (f *fakeFetcher) FetchAsDataURI(ctx context.Context, imageURL string) (string, error) {
	return f.result, f.err
}

func newTestOrchestrator(store *fakeStore, gw Gateway, fetcher ImageFetcher) *Orchestrator {
	return New(context.Background(), store, &fakeProvider{gateway: gw}, fetcher, nil)
}

const testOwner = int64(42)

func TestStartIdentification_success(t *testing.T) {
	store := &fakeStore{}
	gw := &fakeGateway{
		identify: func(ctx context.Context, in ai.IdentifyInput) (*product.Details, error) {
			assert.Equal(t, "https://shop.example/p/1", in.Input)
			assert.True(t, in.IsURL)
			return &product.Details{Name: "Air Force 1", SKU: "AF1-07", ProductURL: in.Input}, nil
		},
	}
	orch := newTestOrchestrator(store, gw, nil)

	snapshot, err := orch.StartIdentification(context.Background(), testOwner, "https://shop.example/p/1", true, ai.ModeFast)
	require.NoError(t, err)

	// The optimistic snapshot is immediately visible with placeholders.
	assert.Equal(t, product.StatusIdentifying, snapshot.Status)
	assert.Equal(t, product.PlaceholderName, snapshot.Details.Name)
	assert.Equal(t, PlaceholderImage, snapshot.MainImage)

	orch.Wait()

	p, err := orch.Get(testOwner, snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, product.StatusIdle, p.Status)
	assert.Equal(t, 100, p.Progress)
	assert.Equal(t, "Air Force 1", p.Details.Name)

	// Persisted twice: the optimistic insert and the terminal state.
	statuses := store.savedStatuses()
	require.NotEmpty(t, statuses)
	assert.Equal(t, product.StatusIdentifying, statuses[0])
	assert.Equal(t, product.StatusIdle, statuses[len(statuses)-1])
}

func TestStartIdentification_failure(t *testing.T) {
	store := &fakeStore{}
	gw := &fakeGateway{
		identify: func(ctx context.Context, in ai.IdentifyInput) (*product.Details, error) {
			return nil, fmt.Errorf("model call failed: overloaded")
		},
	}
	orch := newTestOrchestrator(store, gw, nil)

	snapshot, err := orch.StartIdentification(context.Background(), testOwner, "https://shop.example/p/1", true, ai.ModeFast)
	require.NoError(t, err)
	orch.Wait()

	p, err := orch.Get(testOwner, snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, product.StatusError, p.Status)
	assert.Equal(t, product.FailedName, p.Details.Name)
	assert.Equal(t, product.FailedSKU, p.Details.SKU)
	assert.NotEmpty(t, p.Error)
}

func TestStartIdentification_replacesPlaceholderImage(t *testing.T) {
	store := &fakeStore{}
	gw := &fakeGateway{
		identify: func(ctx context.Context, in ai.IdentifyInput) (*product.Details, error) {
			return &product.Details{Name: "X", ImageURL: "https://cdn.example/hero.jpg"}, nil
		},
	}
	fetcher := &fakeFetcher{result: "data:image/jpeg;base64,ZmV0Y2hlZA=="}
	orch := newTestOrchestrator(store, gw, fetcher)

	snapshot, err := orch.StartIdentification(context.Background(), testOwner, "https://shop.example/p/1", true, ai.ModeFast)
	require.NoError(t, err)
	orch.Wait()

	p, err := orch.Get(testOwner, snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, fetcher.result, p.MainImage)
}

func TestStartIdentification_keepsUserPhotoAsMainImage(t *testing.T) {
	store := &fakeStore{}
	userPhoto := "data:image/jpeg;base64,dXNlcnBob3Rv"
	gw := &fakeGateway{
		identify: func(ctx context.Context, in ai.IdentifyInput) (*product.Details, error) {
			return &product.Details{Name: "X", ImageURL: "https://cdn.example/hero.jpg"}, nil
		},
	}
	fetcher := &fakeFetcher{result: "data:image/jpeg;base64,ZmV0Y2hlZA=="}
	orch := newTestOrchestrator(store, gw, fetcher)

	snapshot, err := orch.StartIdentification(context.Background(), testOwner, userPhoto, false, ai.ModeFast)
	require.NoError(t, err)
	orch.Wait()

	// A real user photo is never displaced by a fetched reference image.
	p, err := orch.Get(testOwner, snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, userPhoto, p.MainImage)
}

func TestStartIdentification_validation(t *testing.T) {
	orch := newTestOrchestrator(&fakeStore{}, &fakeGateway{}, nil)

	_, err := orch.StartIdentification(context.Background(), testOwner, "", true, ai.ModeFast)
	assert.Error(t, err)
}

func TestStartIdentification_noCredential(t *testing.T) {
	orch := New(context.Background(), &fakeStore{}, &fakeProvider{err: fmt.Errorf("no Gemini API key configured")}, nil, nil)

	_, err := orch.StartIdentification(context.Background(), testOwner, "https://shop.example/p/1", true, ai.ModeFast)
	require.Error(t, err)

	// Nothing was created.
	products, err := orch.Products(testOwner)
	require.NoError(t, err)
	assert.Empty(t, products)
}

func TestStartInspection_success(t *testing.T) {
	store := &fakeStore{}
	gw := &fakeGateway{
		identify: func(ctx context.Context, in ai.IdentifyInput) (*product.Details, error) {
			return &product.Details{Name: "X"}, nil
		},
		inspect: func(ctx context.Context, in ai.InspectInput) (*product.QCReport, error) {
			assert.True(t, in.Strict)
			return &product.QCReport{ID: "r1", Status: product.ReportPass, OverallScore: 95, Summary: "Fine", Images: in.NewMedia, StrictMode: in.Strict}, nil
		},
	}
	orch := newTestOrchestrator(store, gw, nil)

	snapshot, err := orch.StartIdentification(context.Background(), testOwner, "https://shop.example/p/1", true, ai.ModeFast)
	require.NoError(t, err)
	orch.Wait()

	evidence := []string{"data:image/jpeg;base64,ZXZpZGVuY2U="}
	require.NoError(t, orch.StartInspection(context.Background(), testOwner, snapshot.ID, evidence, ai.ModeFast, true))
	orch.Wait()

	p, err := orch.Get(testOwner, snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, product.StatusIdle, p.Status)
	require.Len(t, p.Reports, 1)
	assert.Equal(t, product.ReportPass, p.Reports[0].Status)
	assert.Equal(t, evidence, p.Reports[0].Images)
}

func TestStartInspection_unparsableDegradesToFailReport(t *testing.T) {
	store := &fakeStore{}
	gw := &fakeGateway{
		identify: func(ctx context.Context, in ai.IdentifyInput) (*product.Details, error) {
			return &product.Details{Name: "X"}, nil
		},
		inspect: func(ctx context.Context, in ai.InspectInput) (*product.QCReport, error) {
			return nil, fmt.Errorf("failed to parse inspection response: %w", ai.ErrUnparsable)
		},
	}
	orch := newTestOrchestrator(store, gw, nil)

	snapshot, err := orch.StartIdentification(context.Background(), testOwner, "https://shop.example/p/1", true, ai.ModeFast)
	require.NoError(t, err)
	orch.Wait()

	evidence := []string{"data:image/jpeg;base64,ZXZpZGVuY2U="}
	require.NoError(t, orch.StartInspection(context.Background(), testOwner, snapshot.ID, evidence, ai.ModeFast, false))
	orch.Wait()

	// The product stays usable and records a failing report instead of
	// erroring out.
	p, err := orch.Get(testOwner, snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, product.StatusIdle, p.Status)
	require.Len(t, p.Reports, 1)
	assert.Equal(t, product.ReportFail, p.Reports[0].Status)
	assert.Equal(t, 0, p.Reports[0].OverallScore)
	assert.NotEmpty(t, p.Reports[0].Summary)
	assert.Equal(t, evidence, p.Reports[0].Images)

	// The substituted report carries the same identity fields as a real one,
	// so repeated degraded runs stay distinct reports.
	assert.NotEmpty(t, p.Reports[0].ID)
	assert.False(t, p.Reports[0].CreatedAt.IsZero())

	require.NoError(t, orch.StartInspection(context.Background(), testOwner, snapshot.ID, evidence, ai.ModeFast, false))
	orch.Wait()

	p, err = orch.Get(testOwner, snapshot.ID)
	require.NoError(t, err)
	require.Len(t, p.Reports, 2)
	assert.NotEmpty(t, p.Reports[0].ID)
	assert.NotEqual(t, p.Reports[0].ID, p.Reports[1].ID)
}

func TestStartInspection_busyAndNotFound(t *testing.T) {
	store := &fakeStore{}
	release := make(chan struct{})
	gw := &fakeGateway{
		identify: func(ctx context.Context, in ai.IdentifyInput) (*product.Details, error) {
			return &product.Details{Name: "X"}, nil
		},
		inspect: func(ctx context.Context, in ai.InspectInput) (*product.QCReport, error) {
			<-release
			return &product.QCReport{ID: "r1", Status: product.ReportPass}, nil
		},
	}
	orch := newTestOrchestrator(store, gw, nil)

	snapshot, err := orch.StartIdentification(context.Background(), testOwner, "https://shop.example/p/1", true, ai.ModeFast)
	require.NoError(t, err)
	orch.Wait()

	evidence := []string{"data:image/jpeg;base64,ZXZpZGVuY2U="}
	require.NoError(t, orch.StartInspection(context.Background(), testOwner, snapshot.ID, evidence, ai.ModeFast, false))

	// A second operation on the same product is rejected while one is
	// outstanding.
	err = orch.StartInspection(context.Background(), testOwner, snapshot.ID, evidence, ai.ModeFast, false)
	assert.ErrorIs(t, err, ErrBusy)

	err = orch.StartInspection(context.Background(), testOwner, "no-such-id", evidence, ai.ModeFast, false)
	assert.ErrorIs(t, err, ErrNotFound)

	close(release)
	orch.Wait()
}

func TestDelete_suppressesInflightResult(t *testing.T) {
	store := &fakeStore{}
	release := make(chan struct{})
	gw := &fakeGateway{
		identify: func(ctx context.Context, in ai.IdentifyInput) (*product.Details, error) {
			<-release
			return &product.Details{Name: "Too Late"}, nil
		},
	}
	orch := newTestOrchestrator(store, gw, nil)

	snapshot, err := orch.StartIdentification(context.Background(), testOwner, "https://shop.example/p/1", true, ai.ModeFast)
	require.NoError(t, err)

	require.NoError(t, orch.Delete(testOwner, snapshot.ID))

	close(release)
	orch.Wait()

	// The late identification result must not resurrect the deleted product.
	_, err = orch.Get(testOwner, snapshot.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, store.deletes, snapshot.ID)
}

func TestDelete_notFound(t *testing.T) {
	orch := newTestOrchestrator(&fakeStore{}, &fakeGateway{}, nil)
	err := orch.Delete(testOwner, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestartHydration_degradesActiveStatuses(t *testing.T) {
	stale := product.New(testOwner, PlaceholderImage)
	stale.Status = product.StatusAnalyzing
	stale.Progress = 40

	store := &fakeStore{existing: []*product.Product{stale}}
	orch := newTestOrchestrator(store, &fakeGateway{}, nil)

	products, err := orch.Products(testOwner)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, product.StatusError, products[0].Status)
	assert.Equal(t, "operation interrupted by restart", products[0].Error)

	// The degraded status is written back, not just held in memory.
	orch.Wait()
	require.Equal(t, []product.ProcessingStatus{product.StatusError}, store.savedStatuses())
}

func TestProgressTicker_advancesAndStops(t *testing.T) {
	store := &fakeStore{}
	release := make(chan struct{})
	gw := &fakeGateway{
		identify: func(ctx context.Context, in ai.IdentifyInput) (*product.Details, error) {
			<-release
			return &product.Details{Name: "X"}, nil
		},
	}
	orch := newTestOrchestrator(store, gw, nil)

	snapshot, err := orch.StartIdentification(context.Background(), testOwner, "https://shop.example/p/1", true, ai.ModeFast)
	require.NoError(t, err)

	// Give the ticker a few periods to advance synthetic progress.
	require.Eventually(t, func() bool {
		p, err := orch.Get(testOwner, snapshot.ID)
		return err == nil && p.Progress > 0
	}, 3*time.Second, 50*time.Millisecond)

	p, err := orch.Get(testOwner, snapshot.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, p.Progress, progressCeiling)

	close(release)
	orch.Wait()

	p, err = orch.Get(testOwner, snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, p.Progress)
}

func TestSaver_latestPendingWins(t *testing.T) {
	store := &fakeStore{block: make(chan struct{})}
	s := newSaver(store, nil)

	p := product.New(testOwner, PlaceholderImage)

	first := *p
	first.Progress = 10
	s.EnqueueSave(first) // goes in flight, blocked on the store

	second := *p
	second.Progress = 50
	s.EnqueueSave(second) // becomes pending

	third := *p
	third.Progress = 90
	s.EnqueueSave(third) // replaces the pending write

	close(store.block)
	s.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.saves, 2)
	assert.Equal(t, 10, store.saves[0].Progress)
	assert.Equal(t, 90, store.saves[1].Progress)
}

func TestSaver_deleteOrderedAfterInflightSave(t *testing.T) {
	store := &fakeStore{block: make(chan struct{})}
	s := newSaver(store, nil)

	p := product.New(testOwner, PlaceholderImage)
	s.EnqueueSave(*p)
	s.EnqueueDelete(testOwner, p.ID)

	close(store.block)
	s.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.saves, 1)
	assert.Equal(t, []string{p.ID}, store.deletes)
}
