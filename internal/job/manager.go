// Package job owns the job/run lifecycle: submission validation, expansion
// into per-model runs, page dispatch, cancellation and terminal-state
// aggregation. All state transitions happen here, under one lock, in response
// to submission, page results, cancellation and run completion.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/avelier/scanforge/internal/input"
	"github.com/avelier/scanforge/internal/ocr"
	"github.com/avelier/scanforge/internal/scheduler"
	"github.com/avelier/scanforge/internal/store"
	"github.com/avelier/scanforge/pkg/models"
)

var (
	// ErrValidation marks a malformed job submission. Nothing is persisted
	// for a rejected job.
	ErrValidation = errors.New("invalid job submission")
	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobActive is returned when a submission reuses the id of a job that
	// has not reached a terminal state.
	ErrJobActive = errors.New("job id already exists and is active")
	// ErrNotTerminal is returned when dismissing a job that is still running.
	ErrNotTerminal = errors.New("job is not in a terminal state")
)

// SlotScheduler is the slice of the GPU scheduler the manager depends on.
type SlotScheduler interface {
	Acquire(ctx context.Context, runID string, spec scheduler.LaunchSpec) (string, error)
	Release(runID string)
	QueuePosition(runID string) int
	TotalSlots() int
}

// Config carries the orchestration knobs the manager applies per run.
type Config struct {
	InputsDir string

	// MaxConcurrentRequests bounds in-flight OCR calls per run.
	MaxConcurrentRequests int
	RequestTimeout        time.Duration
	MaxTokens             int

	// RunFailureThreshold is the fraction of attempted pages that must fail
	// before the run itself is marked failed rather than succeeded with
	// per-page errors.
	RunFailureThreshold float64

	// Defaults applied to local launch specs when the target leaves them 0.
	DataParallelSize     int
	GPUMemoryUtilization float64
	MaxModelLen          int
}

type jobState struct {
	job    *models.Job
	spec   models.JobSpec
	docs   []input.Document
	ctx    context.Context
	cancel context.CancelFunc

	cancelRequested bool
}

// Manager is the job orchestrator. All methods are safe for concurrent use.
type Manager struct {
	store  store.Store
	sched  SlotScheduler
	raster input.Rasterizer
	cfg    Config
	logger *slog.Logger

	// ocrFactory builds the per-run OCR client; swapped out in tests.
	ocrFactory func(baseURL, apiKey string) ocr.Client

	mu   sync.Mutex
	jobs map[string]*jobState
	wg   sync.WaitGroup
}

// NewManager creates a Manager over the given store and scheduler.
func NewManager(st store.Store, sched SlotScheduler, raster input.Rasterizer, cfg Config, logger *slog.Logger) *Manager {
	if cfg.MaxConcurrentRequests < 1 {
		cfg.MaxConcurrentRequests = 1
	}
	if cfg.RunFailureThreshold <= 0 {
		cfg.RunFailureThreshold = 1.0
	}
	m := &Manager{
		store:  st,
		sched:  sched,
		raster: raster,
		cfg:    cfg,
		logger: logger,
		jobs:   make(map[string]*jobState),
	}
	m.ocrFactory = func(baseURL, apiKey string) ocr.Client {
		return ocr.NewOpenAIClient(baseURL, apiKey, cfg.RequestTimeout)
	}
	return m
}

// Submit validates the spec, expands it into one run per model target,
// persists the initial metadata and starts the work asynchronously. The
// returned snapshot reflects the job immediately after expansion.
func (m *Manager) Submit(ctx context.Context, spec models.JobSpec) (*models.Job, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	docs, err := input.Discover(ctx, m.raster, m.cfg.InputsDir, spec.InputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	jobID := strings.TrimSpace(spec.JobID)
	if jobID == "" {
		jobID = buildJobID(spec.Title, spec.InputPath)
	}
	title := strings.TrimSpace(spec.Title)
	if title == "" {
		title = jobID
	}
	prompt := spec.Prompt
	if prompt == "" {
		prompt = models.DefaultOCRPrompt
	}

	pagesPerRun := 0
	for _, doc := range docs {
		pagesPerRun += doc.PageCount
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:         jobID,
		Title:      title,
		InputPath:  spec.InputPath,
		Status:     models.JobStatusSubmitted,
		Prompt:     prompt,
		CreatedAt:  now,
		TotalPages: pagesPerRun * len(spec.Models),
	}

	spec.Prompt = prompt
	runCtx, cancel := context.WithCancel(context.Background())
	state := &jobState{job: job, spec: spec, docs: docs, ctx: runCtx, cancel: cancel}

	// Registering before anything touches disk means a duplicate id is
	// rejected without allocating run directories.
	m.mu.Lock()
	if existing, ok := m.jobs[jobID]; ok && !existing.job.Status.Terminal() {
		m.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%q: %w", jobID, ErrJobActive)
	}
	m.jobs[jobID] = state
	m.mu.Unlock()

	if err := m.persistJob(state); err != nil {
		m.logger.Error("persisting job metadata", "job_id", jobID, "error", err)
	}

	m.mu.Lock()
	job.Status = models.JobStatusExpanding
	m.mu.Unlock()

	runs := make([]*models.Run, 0, len(spec.Models))
	for _, target := range spec.Models {
		slug := store.ModelSlug(target.Model)
		runNumber, err := m.store.AllocateRunNumber(jobID, slug)
		if err != nil {
			m.mu.Lock()
			delete(m.jobs, jobID)
			m.mu.Unlock()
			cancel()
			return nil, fmt.Errorf("allocating run number: %w", err)
		}
		runs = append(runs, &models.Run{
			RunID:      fmt.Sprintf("%s:%d", slug, runNumber),
			JobID:      jobID,
			Model:      target.Model,
			ModelSlug:  slug,
			RunNumber:  runNumber,
			Mode:       target.Mode,
			Status:     models.RunStatusQueuedForResources,
			TotalPages: pagesPerRun,
		})
	}
	m.mu.Lock()
	job.Runs = runs
	m.mu.Unlock()

	if err := m.persistJob(state); err != nil {
		m.logger.Error("persisting job metadata", "job_id", jobID, "error", err)
	}
	for i, target := range spec.Models {
		run := job.Runs[i]
		if err := m.store.WriteModelMetadata(jobID, run.ModelSlug, &store.ModelMetadata{
			Model:   target.Model,
			Mode:    target.Mode,
			BaseURL: target.BaseURL,
		}); err != nil {
			m.logger.Error("persisting model metadata", "job_id", jobID, "model", target.Model, "error", err)
		}
		m.persistRun(state, run)
	}

	m.logger.Info("job submitted",
		"job_id", jobID, "documents", len(docs), "runs", len(job.Runs), "total_pages", job.TotalPages)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runJob(state)
	}()

	return m.snapshotLocked(state), nil
}

// ListJobs returns snapshots of every registered job, oldest first.
func (m *Manager) ListJobs() []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]*models.Job, 0, len(m.jobs))
	for _, state := range m.jobs {
		jobs = append(jobs, m.snapshotHeld(state))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs
}

// GetJob returns a snapshot of one job.
func (m *Manager) GetJob(jobID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%q: %w", jobID, ErrJobNotFound)
	}
	return m.snapshotHeld(state), nil
}

// Cancel requests cooperative cancellation: queued waits abort immediately,
// in-flight page calls drain, undispatched pages are recorded as canceled.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	state, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%q: %w", jobID, ErrJobNotFound)
	}
	if state.job.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	state.cancelRequested = true
	m.mu.Unlock()

	m.logger.Info("job cancellation requested", "job_id", jobID)
	state.cancel()
	return nil
}

// Dismiss removes a terminal job from the registry. On-disk artifacts stay.
func (m *Manager) Dismiss(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("%q: %w", jobID, ErrJobNotFound)
	}
	if !state.job.Status.Terminal() {
		return fmt.Errorf("%q is %s: %w", jobID, state.job.Status, ErrNotTerminal)
	}
	delete(m.jobs, jobID)
	return nil
}

// Shutdown cancels every active job and waits for their workers to drain,
// bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, state := range m.jobs {
		state.cancelRequested = true
		state.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func validateSpec(spec models.JobSpec) error {
	if strings.TrimSpace(spec.InputPath) == "" {
		return fmt.Errorf("input_path is required: %w", ErrValidation)
	}
	if len(spec.Models) == 0 {
		return fmt.Errorf("at least one model target is required: %w", ErrValidation)
	}
	for _, target := range spec.Models {
		if strings.TrimSpace(target.Model) == "" {
			return fmt.Errorf("model id is required: %w", ErrValidation)
		}
		switch target.Mode {
		case models.ModeAPI:
			if strings.TrimSpace(target.BaseURL) == "" {
				return fmt.Errorf("api model %q requires base_url: %w", target.Model, ErrValidation)
			}
		case models.ModeLocal:
		default:
			return fmt.Errorf("model %q has unknown mode %q: %w", target.Model, target.Mode, ErrValidation)
		}
	}
	return nil
}

// buildJobID derives a readable id from the title or input stem, suffixed for
// uniqueness.
func buildJobID(title, inputPath string) string {
	base := strings.TrimSpace(title)
	if base == "" {
		base = strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	}
	return input.Slugify(base) + "-" + uuid.NewString()[:8]
}

// runJob executes every run and derives the job's terminal state from theirs.
func (m *Manager) runJob(state *jobState) {
	m.mu.Lock()
	now := time.Now().UTC()
	state.job.Status = models.JobStatusRunning
	state.job.StartedAt = &now
	m.mu.Unlock()
	if err := m.persistJob(state); err != nil {
		m.logger.Error("persisting job metadata", "job_id", state.job.ID, "error", err)
	}

	var wg sync.WaitGroup
	for i := range state.job.Runs {
		wg.Add(1)
		go func(run *models.Run, target models.ModelTarget) {
			defer wg.Done()
			m.executeRun(state, run, target)
		}(state.job.Runs[i], state.spec.Models[i])
	}
	wg.Wait()

	m.mu.Lock()
	succeeded, failed := 0, 0
	for _, run := range state.job.Runs {
		switch run.Status {
		case models.RunStatusSucceeded:
			succeeded++
		case models.RunStatusFailed:
			failed++
		}
	}
	switch {
	case state.cancelRequested && succeeded == 0 && failed == 0:
		state.job.Status = models.JobStatusCanceled
	case failed == 0 && succeeded == len(state.job.Runs):
		state.job.Status = models.JobStatusCompleted
	case succeeded == 0 && failed == len(state.job.Runs):
		state.job.Status = models.JobStatusFailed
	default:
		state.job.Status = models.JobStatusPartiallyFailed
	}
	ended := time.Now().UTC()
	state.job.EndedAt = &ended
	m.mu.Unlock()

	if err := m.persistJob(state); err != nil {
		m.logger.Error("persisting job metadata", "job_id", state.job.ID, "error", err)
	}
	if _, err := m.store.FinalizeJob(state.job.ID); err != nil {
		m.logger.Error("finalizing job rollup", "job_id", state.job.ID, "error", err)
	}

	m.logger.Info("job finished", "job_id", state.job.ID, "status", state.job.Status)
}

// executeRun takes one run from resource acquisition through page dispatch to
// its terminal state. Exactly one scheduler release per admission.
func (m *Manager) executeRun(state *jobState, run *models.Run, target models.ModelTarget) {
	var (
		baseURL string
		apiKey  string
	)

	switch target.Mode {
	case models.ModeLocal:
		m.persistRun(state, run)

		url, err := m.sched.Acquire(state.ctx, run.RunID, m.launchSpec(target))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				m.finishRun(state, run, models.RunStatusCanceled, "")
			} else {
				m.finishRun(state, run, models.RunStatusFailed, err.Error())
			}
			return
		}
		defer m.sched.Release(run.RunID)
		// vLLM accepts any non-empty key.
		baseURL, apiKey = url, "EMPTY"
	default:
		baseURL, apiKey = target.BaseURL, target.APIKey
	}

	m.mu.Lock()
	now := time.Now().UTC()
	run.Status = models.RunStatusRunning
	run.StartedAt = &now
	run.Endpoint = baseURL
	m.mu.Unlock()
	m.persistRun(state, run)

	gateSize := m.cfg.MaxConcurrentRequests
	if target.MaxConcurrentRequests > 0 {
		gateSize = target.MaxConcurrentRequests
	}

	maxTokens := m.cfg.MaxTokens
	if state.spec.MaxTokens > 0 {
		maxTokens = state.spec.MaxTokens
	}

	worker := &runWorker{
		store:     m.store,
		raster:    m.raster,
		client:    m.ocrFactory(baseURL, apiKey),
		logger:    m.logger,
		ref:       store.RunRef{JobID: state.job.ID, ModelSlug: run.ModelSlug, RunNumber: run.RunNumber},
		model:     target.Model,
		prompt:    state.spec.Prompt,
		maxTokens: maxTokens,
		gate:      semaphore.NewWeighted(int64(gateSize)),
		onPage: func(rec models.PageRecord) {
			m.reportPage(state, run, rec)
		},
	}
	summary := worker.run(state.ctx, state.docs)

	status := models.RunStatusSucceeded
	errText := ""
	switch {
	case state.ctx.Err() != nil:
		status = models.RunStatusCanceled
	case summary.Attempted > 0 &&
		float64(summary.Failed)/float64(summary.Attempted) >= m.cfg.RunFailureThreshold:
		status = models.RunStatusFailed
		errText = fmt.Sprintf("%d of %d pages failed", summary.Failed, summary.Attempted)
	}
	m.finishRun(state, run, status, errText)
}

func (m *Manager) launchSpec(target models.ModelTarget) scheduler.LaunchSpec {
	spec := scheduler.LaunchSpec{
		Model:                target.Model,
		TensorParallelSize:   max(target.TensorParallelSize, 1),
		DataParallelSize:     target.DataParallelSize,
		GPUMemoryUtilization: target.GPUMemoryUtilization,
		MaxModelLen:          target.MaxModelLen,
		ExtraArgs:            target.ExtraArgs,
	}
	if spec.DataParallelSize < 1 {
		spec.DataParallelSize = max(m.cfg.DataParallelSize, 1)
	}
	if spec.GPUMemoryUtilization <= 0 {
		spec.GPUMemoryUtilization = m.cfg.GPUMemoryUtilization
	}
	if spec.MaxModelLen <= 0 {
		spec.MaxModelLen = m.cfg.MaxModelLen
	}
	return spec
}

// reportPage folds one page outcome into the run and job counters.
func (m *Manager) reportPage(state *jobState, run *models.Run, rec models.PageRecord) {
	m.mu.Lock()
	switch rec.Status {
	case models.PageStatusSucceeded:
		run.CompletedPages++
	case models.PageStatusFailed:
		run.CompletedPages++
		run.FailedPages++
	}
	completed := 0
	for _, r := range state.job.Runs {
		completed += r.CompletedPages
	}
	state.job.CompletedPages = completed
	m.mu.Unlock()

	m.persistRun(state, run)
	if err := m.persistJob(state); err != nil {
		m.logger.Error("persisting job metadata", "job_id", state.job.ID, "error", err)
	}
}

func (m *Manager) finishRun(state *jobState, run *models.Run, status models.RunStatus, errText string) {
	m.mu.Lock()
	now := time.Now().UTC()
	run.Status = status
	run.EndedAt = &now
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	if errText != "" {
		run.Error = errText
	}
	m.mu.Unlock()

	m.persistRun(state, run)
	ref := store.RunRef{JobID: state.job.ID, ModelSlug: run.ModelSlug, RunNumber: run.RunNumber}
	if _, err := m.store.FinalizeRun(ref); err != nil {
		m.logger.Error("finalizing run rollup", "run_id", run.RunID, "error", err)
	}
	if _, err := m.store.FinalizeModel(state.job.ID, run.ModelSlug); err != nil {
		m.logger.Error("finalizing model rollup", "run_id", run.RunID, "error", err)
	}

	m.logger.Info("run finished", "job_id", state.job.ID, "run_id", run.RunID, "status", status)
}

// persistJob writes job_metadata.json from the current in-memory state.
func (m *Manager) persistJob(state *jobState) error {
	m.mu.Lock()
	job := state.job
	meta := &store.JobMetadata{
		JobID:          job.ID,
		Title:          job.Title,
		InputPath:      job.InputPath,
		Status:         job.Status,
		Prompt:         job.Prompt,
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		EndedAt:        job.EndedAt,
		TotalPages:     job.TotalPages,
		CompletedPages: job.CompletedPages,
		ProgressRatio:  job.ProgressRatio(),
		Models:         state.spec.Models,
		RuntimeSeconds: job.RuntimeSeconds(time.Now().UTC()),
	}
	m.mu.Unlock()
	return m.store.WriteJobMetadata(job.ID, meta)
}

func (m *Manager) persistRun(state *jobState, run *models.Run) {
	m.mu.Lock()
	sources := make([]string, 0, len(state.docs))
	for _, doc := range state.docs {
		sources = append(sources, doc.Path)
	}
	meta := &store.RunMetadata{
		RunID:          run.RunID,
		JobID:          run.JobID,
		Model:          run.Model,
		ModelSlug:      run.ModelSlug,
		RunNumber:      run.RunNumber,
		Mode:           run.Mode,
		Status:         run.Status,
		Endpoint:       run.Endpoint,
		Error:          run.Error,
		CreatedAt:      state.job.CreatedAt,
		StartedAt:      run.StartedAt,
		EndedAt:        run.EndedAt,
		TotalPages:     run.TotalPages,
		CompletedPages: run.CompletedPages,
		FailedPages:    run.FailedPages,
		SourceFiles:    sources,
		RuntimeSeconds: run.RuntimeSeconds(time.Now().UTC()),
	}
	ref := store.RunRef{JobID: run.JobID, ModelSlug: run.ModelSlug, RunNumber: run.RunNumber}
	m.mu.Unlock()

	if err := m.store.WriteRunMetadata(ref, meta); err != nil {
		m.logger.Error("persisting run metadata", "run_id", run.RunID, "error", err)
	}
}

// snapshotLocked copies a job for callers outside the manager.
func (m *Manager) snapshotLocked(state *jobState) *models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotHeld(state)
}

// snapshotHeld assumes m.mu is held. Queue positions and ETAs are computed at
// read time rather than tracked incrementally.
func (m *Manager) snapshotHeld(state *jobState) *models.Job {
	now := time.Now().UTC()
	job := *state.job
	job.Runs = make([]*models.Run, len(state.job.Runs))
	for i, run := range state.job.Runs {
		copied := *run
		if copied.Status == models.RunStatusQueuedForResources && copied.Mode == models.ModeLocal {
			copied.QueuePosition = m.sched.QueuePosition(copied.RunID)
		}
		if eta := estimateETA(&copied, now); eta != nil {
			copied.ETASeconds = eta
		}
		job.Runs[i] = &copied
	}
	if eta := estimateJobETA(&job, now); eta != nil {
		job.ETASeconds = eta
	}
	return &job
}

// estimateETA extrapolates from the pages completed so far. Undefined until
// at least one page has completed.
func estimateETA(run *models.Run, now time.Time) *float64 {
	if run.CompletedPages <= 0 || run.StartedAt == nil || run.Status.Terminal() {
		return nil
	}
	elapsed := run.RuntimeSeconds(now)
	remaining := run.TotalPages - run.CompletedPages
	if remaining < 0 {
		remaining = 0
	}
	eta := elapsed / float64(run.CompletedPages) * float64(remaining)
	if eta < 0 {
		eta = 0
	}
	return &eta
}

func estimateJobETA(job *models.Job, now time.Time) *float64 {
	if job.Status.Terminal() {
		return nil
	}
	var slowest *float64
	for _, run := range job.Runs {
		if run.ETASeconds == nil {
			continue
		}
		if slowest == nil || *run.ETASeconds > *slowest {
			v := *run.ETASeconds
			slowest = &v
		}
	}
	return slowest
}
