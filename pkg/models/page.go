package models

import "time"

// PageStatus tracks a single page through OCR. A page moves from pending to
// exactly one of the other states and is never reverted.
type PageStatus string

const (
	PageStatusPending   PageStatus = "pending"
	PageStatusSucceeded PageStatus = "succeeded"
	PageStatusFailed    PageStatus = "failed"
	PageStatusCanceled  PageStatus = "canceled"
)

// TokenUsage aggregates provider-reported token counts.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Add accumulates another usage into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// PageRecord is the persisted outcome of one page's OCR call. Page records are
// the source of truth for every rollup above them.
type PageRecord struct {
	PageNumber        int        `json:"page_number"`
	Status            PageStatus `json:"status"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           time.Time  `json:"ended_at"`
	ProcessingSeconds float64    `json:"processing_time_seconds"`
	RequestSeconds    float64    `json:"ocr_request_time_seconds"`
	Attempts          int        `json:"attempts"`
	FinishReason      string     `json:"finish_reason,omitempty"`
	ProviderModel     string     `json:"provider_model,omitempty"`
	TokenUsage        TokenUsage `json:"token_usage"`
	OutputFile        string     `json:"output_markdown_file,omitempty"`
	OutputBytes       int64      `json:"output_bytes"`
	Error             string     `json:"error,omitempty"`
}

// Stats is a rollup of page outcomes. It appears at the document, run, model
// and job levels and is always recomputable from the page records beneath it.
type Stats struct {
	PagesAttempted    int        `json:"pages_attempted"`
	PagesSucceeded    int        `json:"pages_succeeded"`
	PagesFailed       int        `json:"pages_failed"`
	PagesCanceled     int        `json:"pages_canceled"`
	ProcessingSeconds float64    `json:"processing_time_seconds"`
	RequestSeconds    float64    `json:"ocr_request_time_seconds"`
	TokenUsage        TokenUsage `json:"token_usage"`
}

// AddPage folds one page record into the rollup.
func (s *Stats) AddPage(rec PageRecord) {
	switch rec.Status {
	case PageStatusCanceled:
		s.PagesCanceled++
	case PageStatusSucceeded:
		s.PagesAttempted++
		s.PagesSucceeded++
	case PageStatusFailed:
		s.PagesAttempted++
		s.PagesFailed++
	default:
		return
	}
	s.ProcessingSeconds += rec.ProcessingSeconds
	s.RequestSeconds += rec.RequestSeconds
	s.TokenUsage.Add(rec.TokenUsage)
}

// Merge folds a child rollup into s.
func (s *Stats) Merge(other Stats) {
	s.PagesAttempted += other.PagesAttempted
	s.PagesSucceeded += other.PagesSucceeded
	s.PagesFailed += other.PagesFailed
	s.PagesCanceled += other.PagesCanceled
	s.ProcessingSeconds += other.ProcessingSeconds
	s.RequestSeconds += other.RequestSeconds
	s.TokenUsage.Add(other.TokenUsage)
}
