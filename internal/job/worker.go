package job

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/avelier/scanforge/internal/input"
	"github.com/avelier/scanforge/internal/ocr"
	"github.com/avelier/scanforge/internal/store"
	"github.com/avelier/scanforge/pkg/models"
)

// runWorker drives one run's page dispatch: every page of every document goes
// through the OCR client, bounded by a fixed-size concurrency gate so a shared
// local server is never flooded.
type runWorker struct {
	store  store.Store
	raster input.Rasterizer
	client ocr.Client
	logger *slog.Logger

	ref         store.RunRef
	model       string
	prompt      string
	maxTokens   int
	temperature float64
	gate        *semaphore.Weighted

	// onPage is called after each page record is persisted, including
	// canceled placeholders.
	onPage func(rec models.PageRecord)

	mu        sync.Mutex
	attempted int
	succeeded int
	failed    int
	canceled  int
}

type workerSummary struct {
	Attempted int
	Succeeded int
	Failed    int
	Canceled  int
}

// run processes the documents in order. Cancellation of ctx is cooperative:
// it is checked between page dispatches, and pages already in flight finish
// and are recorded with their real outcome.
func (w *runWorker) run(ctx context.Context, docs []input.Document) workerSummary {
	// In-flight work deliberately outlives ctx; the OCR client carries its
	// own per-request timeout.
	workCtx := context.WithoutCancel(ctx)

	for _, doc := range docs {
		if ctx.Err() != nil {
			// Documents never started still get a full set of canceled page
			// records so the output tree accounts for every pending page.
			if err := w.recordCanceledDocument(doc); err != nil {
				w.logger.Error("recording canceled document",
					"run_id", w.ref.JobID+"/"+w.ref.ModelSlug, "source", doc.Path, "error", err)
			}
			continue
		}
		if err := w.processDocument(ctx, workCtx, doc); err != nil {
			w.logger.Error("document setup failed",
				"run_id", w.ref.JobID+"/"+w.ref.ModelSlug, "source", doc.Path, "error", err)
			w.recordDocumentFailure(doc, err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return workerSummary{
		Attempted: w.attempted,
		Succeeded: w.succeeded,
		Failed:    w.failed,
		Canceled:  w.canceled,
	}
}

func (w *runWorker) processDocument(ctx, workCtx context.Context, doc input.Document) error {
	docRef, err := w.store.BeginDocument(w.ref, doc.Path, doc.Slug, doc.PageCount)
	if err != nil {
		return fmt.Errorf("begin document: %w", err)
	}

	var wg sync.WaitGroup
	page := 1
	for ; page <= doc.PageCount; page++ {
		if ctx.Err() != nil {
			break
		}
		if err := w.gate.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func(pageNumber int) {
			defer wg.Done()
			defer w.gate.Release(1)
			w.processPage(workCtx, docRef, doc, pageNumber)
		}(page)
	}
	wg.Wait()

	// Pages never dispatched after a cancellation are recorded as canceled,
	// never failed.
	for ; page <= doc.PageCount; page++ {
		w.writeCanceledPage(docRef, page)
	}

	if err := w.store.FinishDocument(docRef); err != nil {
		return fmt.Errorf("finish document: %w", err)
	}
	return nil
}

// recordCanceledDocument registers a document that was never started and
// records every one of its pages as canceled.
func (w *runWorker) recordCanceledDocument(doc input.Document) error {
	docRef, err := w.store.BeginDocument(w.ref, doc.Path, doc.Slug, doc.PageCount)
	if err != nil {
		return fmt.Errorf("begin document: %w", err)
	}
	for page := 1; page <= doc.PageCount; page++ {
		w.writeCanceledPage(docRef, page)
	}
	if err := w.store.FinishDocument(docRef); err != nil {
		return fmt.Errorf("finish document: %w", err)
	}
	return nil
}

// writeCanceledPage records one undispatched page. No artifact is written.
func (w *runWorker) writeCanceledPage(docRef store.DocRef, page int) {
	now := time.Now().UTC()
	rec := models.PageRecord{
		PageNumber: page,
		Status:     models.PageStatusCanceled,
		StartedAt:  now,
		EndedAt:    now,
	}
	if err := w.store.WritePage(docRef, rec, nil); err != nil {
		w.logger.Error("writing canceled page record", "page", page, "error", err)
		return
	}
	w.report(rec)
}

// processPage renders and transcribes one page. Failures are isolated: the
// page gets a placeholder artifact and an error record, siblings continue.
func (w *runWorker) processPage(ctx context.Context, docRef store.DocRef, doc input.Document, pageNumber int) {
	started := time.Now().UTC()
	rec := models.PageRecord{
		PageNumber: pageNumber,
		StartedAt:  started,
	}

	var content []byte
	png, err := w.raster.RenderPage(ctx, doc.Path, pageNumber)
	if err == nil {
		var result ocr.PageResult
		result, err = w.client.RecognizePage(ctx, ocr.PageRequest{
			Model:       w.model,
			ImagePNG:    png,
			Prompt:      w.prompt,
			MaxTokens:   w.maxTokens,
			Temperature: w.temperature,
		})
		if err == nil {
			rec.Status = models.PageStatusSucceeded
			rec.RequestSeconds = result.RequestSeconds
			rec.Attempts = result.Attempts
			rec.FinishReason = result.FinishReason
			rec.ProviderModel = result.ProviderModel
			rec.TokenUsage = result.Usage
			content = []byte(result.Markdown)
		}
	}

	if err != nil {
		rec.Status = models.PageStatusFailed
		rec.Error = err.Error()
		content = []byte(fmt.Sprintf("<!-- OCR failed for page %d: %s -->\n", pageNumber, err))

		if appendErr := w.store.AppendRunError(w.ref, store.RunErrorRecord{
			Timestamp:  time.Now().UTC(),
			SourcePDF:  doc.Path,
			PageNumber: pageNumber,
			Error:      err.Error(),
		}); appendErr != nil {
			w.logger.Error("appending run error", "page", pageNumber, "error", appendErr)
		}
	}

	rec.EndedAt = time.Now().UTC()
	rec.ProcessingSeconds = rec.EndedAt.Sub(started).Seconds()

	if writeErr := w.store.WritePage(docRef, rec, content); writeErr != nil {
		w.logger.Error("writing page record", "page", pageNumber, "error", writeErr)
	}
	w.report(rec)
}

// recordDocumentFailure marks every page of a document the worker could not
// even begin as failed.
func (w *runWorker) recordDocumentFailure(doc input.Document, cause error) {
	if appendErr := w.store.AppendRunError(w.ref, store.RunErrorRecord{
		Timestamp: time.Now().UTC(),
		SourcePDF: doc.Path,
		Error:     cause.Error(),
	}); appendErr != nil {
		w.logger.Error("appending run error", "source", doc.Path, "error", appendErr)
	}

	w.mu.Lock()
	w.attempted += doc.PageCount
	w.failed += doc.PageCount
	w.mu.Unlock()
}

func (w *runWorker) report(rec models.PageRecord) {
	w.mu.Lock()
	switch rec.Status {
	case models.PageStatusSucceeded:
		w.attempted++
		w.succeeded++
	case models.PageStatusFailed:
		w.attempted++
		w.failed++
	case models.PageStatusCanceled:
		w.canceled++
	}
	w.mu.Unlock()

	if w.onPage != nil {
		w.onPage(rec)
	}
}
