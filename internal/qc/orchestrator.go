package qc

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mkarppi/telegram-qc-bot/internal/ai"
	"github.com/mkarppi/telegram-qc-bot/internal/media"
	"github.com/mkarppi/telegram-qc-bot/internal/product"
)

const (
	// progressInterval is the synthetic progress ticker period.
	progressInterval = 400 * time.Millisecond
	// progressCeiling caps synthetic progress below 100 while an operation
	// is outstanding; only the terminal transition snaps it to 100.
	progressCeiling = 90
	// inspectionStartProgress is where progress resets when a QC run starts.
	inspectionStartProgress = 5
)

// PlaceholderImage is the vector placeholder used as a product's main image
// until a real reference image is resolved. Never sent to the model.
const PlaceholderImage = "data:image/svg+xml;base64,PHN2ZyB4bWxucz0iaHR0cDovL3d3dy53My5vcmcvMjAwMC9zdmciIHZpZXdCb3g9IjAgMCAyNCAyNCI+PHJlY3Qgd2lkdGg9IjI0IiBoZWlnaHQ9IjI0IiBmaWxsPSIjZTVlN2ViIi8+PC9zdmc+"

// ErrBusy is returned when an operation is requested for a product that
// already has one outstanding.
var ErrBusy = errors.New("an operation is already in progress for this product")

// ErrNotFound is returned when the product does not exist (or was deleted).
var ErrNotFound = errors.New("product not found")

// Gateway is the AI boundary of the orchestrator.
type Gateway interface {
	Identify(ctx context.Context, in ai.IdentifyInput) (*product.Details, error)
	Inspect(ctx context.Context, in ai.InspectInput) (*product.QCReport, error)
}

// GatewayProvider resolves the gateway to use for a given owner (each user
// supplies their own model credential).
type GatewayProvider interface {
	ForUser(ctx context.Context, ownerID int64) (Gateway, error)
}

// ImageFetcher downloads a remote image and returns it as an inline data URI.
type ImageFetcher interface {
	FetchAsDataURI(ctx context.Context, imageURL string) (string, error)
}

// Orchestrator drives the product/QC lifecycle: optimistic inserts, synthetic
// progress, AI invocation, response reconciliation and persistence. All state
// transitions go through repository guards, so the progress ticker, the AI
// completion callback and user-triggered deletion can race safely.
type Orchestrator struct {
	// baseCtx bounds async work spawned by operations; the per-request ctx
	// would be cancelled as soon as the triggering handler returns.
	baseCtx  context.Context
	repo     *Repository
	store    Store
	saver    *saver
	gateways GatewayProvider
	fetcher  ImageFetcher
	ops      sync.WaitGroup
}

// New creates an orchestrator. notify may be nil; fetcher may be nil, in
// which case resolved reference image URLs are recorded but not downloaded.
func New(ctx context.Context, store Store, gateways GatewayProvider, fetcher ImageFetcher, notify Notifier) *Orchestrator {
	return &Orchestrator{
		baseCtx:  ctx,
		repo:     NewRepository(),
		store:    store,
		saver:    newSaver(store, notify),
		gateways: gateways,
		fetcher:  fetcher,
	}
}

// ensureLoaded hydrates an owner's products from the store on first access.
// Statuses persisted mid-operation are stale after a restart; they degrade to
// error so the product stays visible and retriable.
func (o *Orchestrator) ensureLoaded(ownerID int64) error {
	if o.repo.Loaded(ownerID) {
		return nil
	}
	products, err := o.store.LoadProducts(ownerID)
	if err != nil {
		return fmt.Errorf("failed to load products: %w", err)
	}
	for _, p := range products {
		if p.Active() {
			p.Status = product.StatusError
			p.Error = "operation interrupted by restart"
			// Write the degraded status back so the next restart does not
			// find the stale active status again.
			o.saver.EnqueueSave(*p)
		}
	}
	o.repo.SetAll(ownerID, products)
	return nil
}

// Products returns the owner's products, newest first.
func (o *Orchestrator) Products(ownerID int64) ([]product.Product, error) {
	if err := o.ensureLoaded(ownerID); err != nil {
		return nil, err
	}
	return o.repo.List(ownerID), nil
}

// Get returns a snapshot of one product.
func (o *Orchestrator) Get(ownerID int64, id string) (product.Product, error) {
	if err := o.ensureLoaded(ownerID); err != nil {
		return product.Product{}, err
	}
	p, ok := o.repo.Get(ownerID, id)
	if !ok {
		return product.Product{}, ErrNotFound
	}
	return p, nil
}

// StartIdentification creates a product optimistically and kicks off the
// async identification. The returned snapshot already carries the final
// product id and the identifying status. input is a product page URL when
// isURL is set, otherwise an inline data-URI media item.
func (o *Orchestrator) StartIdentification(ctx context.Context, ownerID int64, input string, isURL bool, mode ai.Mode) (product.Product, error) {
	if input == "" {
		return product.Product{}, fmt.Errorf("empty identification input")
	}
	if err := o.ensureLoaded(ownerID); err != nil {
		return product.Product{}, err
	}
	gateway, err := o.gateways.ForUser(ctx, ownerID)
	if err != nil {
		return product.Product{}, err
	}

	mainImage := PlaceholderImage
	if !isURL {
		mainImage = input
	}

	p := product.New(ownerID, mainImage)
	o.repo.Insert(p)
	// Persist the placeholder form immediately, before the AI call is issued.
	o.saver.EnqueueSave(*p)

	log.Info().Str("productID", p.ID).Int64("ownerID", ownerID).Bool("urlMode", isURL).Str("mode", string(mode)).Msg("identification started")

	o.startProgressTicker(ownerID, p.ID, product.StatusIdentifying)

	o.ops.Add(1)
	go func() {
		defer o.ops.Done()
		details, err := gateway.Identify(o.baseCtx, ai.IdentifyInput{Input: input, IsURL: isURL, Mode: mode})
		if err != nil {
			o.failOperation(ownerID, p.ID, product.StatusIdentifying, err, true)
			return
		}
		o.completeIdentification(ownerID, p.ID, details)
	}()

	return *p, nil
}

// completeIdentification merges resolved details into the product and
// replaces a placeholder main image with the resolved reference image.
func (o *Orchestrator) completeIdentification(ownerID int64, id string, details *product.Details) {
	// Fetch the better reference image before taking the repository lock.
	newMain := ""
	if details.ImageURL != "" && o.fetcher != nil {
		if snapshot, ok := o.repo.Get(ownerID, id); ok && media.IsVectorPlaceholder(snapshot.MainImage) {
			fetched, err := o.fetcher.FetchAsDataURI(o.baseCtx, details.ImageURL)
			if err != nil {
				log.Warn().Err(err).Str("imageURL", details.ImageURL).Msg("failed to fetch reference image")
			} else {
				newMain = fetched
			}
		}
	}

	applied := o.repo.UpdateIfStatus(ownerID, id, product.StatusIdentifying, func(p *product.Product) {
		p.Details = *details
		if newMain != "" {
			p.MainImage = newMain
		}
		p.Status = product.StatusIdle
		p.Progress = 100
		p.Error = ""
	})
	if !applied {
		// Deleted, or an external state change won the race. Do not persist.
		log.Warn().Str("productID", id).Msg("identification result dropped, product gone or state changed")
		return
	}

	if snapshot, ok := o.repo.Get(ownerID, id); ok {
		o.saver.EnqueueSave(snapshot)
	}
	log.Info().Str("productID", id).Str("name", details.Name).Msg("identification complete")
}

// StartInspection transitions the product to analyzing and kicks off the
// async QC run against the supplied evidence media.
func (o *Orchestrator) StartInspection(ctx context.Context, ownerID int64, productID string, evidence []string, mode ai.Mode, strict bool) error {
	if len(evidence) == 0 {
		return fmt.Errorf("no evidence media provided")
	}
	if err := o.ensureLoaded(ownerID); err != nil {
		return err
	}
	gateway, err := o.gateways.ForUser(ctx, ownerID)
	if err != nil {
		return err
	}

	transitioned := false
	found := o.repo.Update(ownerID, productID, func(p *product.Product) {
		if p.Active() {
			return
		}
		p.Status = product.StatusAnalyzing
		p.Progress = inspectionStartProgress
		p.Error = ""
		transitioned = true
	})
	if !found {
		return ErrNotFound
	}
	if !transitioned {
		return ErrBusy
	}

	snapshot, _ := o.repo.Get(ownerID, productID)
	o.saver.EnqueueSave(snapshot)

	log.Info().Str("productID", productID).Int("mediaCount", len(evidence)).Bool("strict", strict).Msg("inspection started")

	o.startProgressTicker(ownerID, productID, product.StatusAnalyzing)

	o.ops.Add(1)
	go func() {
		defer o.ops.Done()
		report, err := gateway.Inspect(o.baseCtx, ai.InspectInput{
			Details:        snapshot.Details,
			ReferenceImage: snapshot.MainImage,
			PriorReports:   snapshot.Reports,
			NewMedia:       evidence,
			Mode:           mode,
			Strict:         strict,
		})
		if err != nil {
			if errors.Is(err, ai.ErrUnparsable) {
				// Degrade an unparsable analysis to a failing report rather
				// than erroring the whole product.
				report = failedAnalysisReport(evidence, strict)
			} else {
				o.failOperation(ownerID, productID, product.StatusAnalyzing, err, false)
				return
			}
		}
		o.completeInspection(ownerID, productID, report)
	}()

	return nil
}

func (o *Orchestrator) completeInspection(ownerID int64, id string, report *product.QCReport) {
	applied := o.repo.UpdateIfStatus(ownerID, id, product.StatusAnalyzing, func(p *product.Product) {
		p.PrependReport(*report)
		p.Status = product.StatusIdle
		p.Progress = 100
		p.Error = ""
	})
	if !applied {
		log.Warn().Str("productID", id).Msg("inspection result dropped, product gone or state changed")
		return
	}

	if snapshot, ok := o.repo.Get(ownerID, id); ok {
		o.saver.EnqueueSave(snapshot)
	}
	log.Info().Str("productID", id).Str("reportID", report.ID).Str("status", string(report.Status)).Msg("inspection complete")
}

// failOperation records an AI failure: error status, human-readable message,
// progress left at its last ticked value. Identification failures also
// overwrite the display name/SKU with sentinels so the product stays visible
// and retriable. Existing reports are never touched.
func (o *Orchestrator) failOperation(ownerID int64, id string, expected product.ProcessingStatus, cause error, identification bool) {
	applied := o.repo.UpdateIfStatus(ownerID, id, expected, func(p *product.Product) {
		p.Status = product.StatusError
		p.Error = cause.Error()
		if identification {
			p.Details.Name = product.FailedName
			p.Details.SKU = product.FailedSKU
		}
	})
	if !applied {
		return
	}

	if snapshot, ok := o.repo.Get(ownerID, id); ok {
		o.saver.EnqueueSave(snapshot)
	}
	log.Error().Err(cause).Str("productID", id).Msg("operation failed")
}

// failedAnalysisReport is the degraded report substituted when the model's
// inspection response cannot be parsed.
func failedAnalysisReport(evidence []string, strict bool) *product.QCReport {
	return &product.QCReport{
		ID:           uuid.NewString(),
		CreatedAt:    time.Now(),
		Status:       product.ReportFail,
		OverallScore: 0,
		Summary:      "Analysis failed: the model did not return a readable inspection result. Please retry with clearer media.",
		Images:       evidence,
		StrictMode:   strict,
	}
}

// Delete removes the product from memory and the store, from any state. An
// in-flight operation is not cancelled; its eventual resolution is suppressed
// by the repository guards.
func (o *Orchestrator) Delete(ownerID int64, productID string) error {
	if err := o.ensureLoaded(ownerID); err != nil {
		return err
	}
	if !o.repo.Delete(ownerID, productID) {
		return ErrNotFound
	}
	o.saver.EnqueueDelete(ownerID, productID)
	log.Info().Str("productID", productID).Msg("product deleted")
	return nil
}

// startProgressTicker spawns the synthetic progress ticker: a small random
// increment on a fixed interval, clamped to the ceiling, until it observes
// the product leaving the active status (normal completion, failure, or
// deletion). The status guard means it can never touch a product that has
// left the active state.
func (o *Orchestrator) startProgressTicker(ownerID int64, id string, active product.ProcessingStatus) {
	o.ops.Add(1)
	go func() {
		defer o.ops.Done()
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()

		for {
			select {
			case <-o.baseCtx.Done():
				return
			case <-ticker.C:
				ok := o.repo.UpdateIfStatus(ownerID, id, active, func(p *product.Product) {
					p.Progress = min(p.Progress+2+rand.IntN(9), progressCeiling)
				})
				if !ok {
					return
				}
			}
		}
	}()
}

// Wait blocks until all async operations and pending persistence writes have
// finished. Used on shutdown and by tests.
func (o *Orchestrator) Wait() {
	o.ops.Wait()
	o.saver.Wait()
}
