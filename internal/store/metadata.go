package store

import (
	"time"

	"github.com/avelier/scanforge/pkg/models"
)

// JobMetadata is the persisted shape of job_metadata.json. Model targets are
// embedded as submitted minus credentials (the APIKey field is excluded from
// JSON at the type level).
type JobMetadata struct {
	JobID          string               `json:"job_id"`
	Title          string               `json:"title"`
	InputPath      string               `json:"input_path"`
	Status         models.JobStatus     `json:"status"`
	Prompt         string               `json:"prompt,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	StartedAt      *time.Time           `json:"started_at,omitempty"`
	EndedAt        *time.Time           `json:"ended_at,omitempty"`
	TotalPages     int                  `json:"total_pages"`
	CompletedPages int                  `json:"completed_pages"`
	ProgressRatio  float64              `json:"progress_ratio"`
	Models         []models.ModelTarget `json:"models"`
	RuntimeSeconds float64              `json:"runtime_seconds"`
	Statistics     *models.Stats        `json:"statistics,omitempty"`
}

// ModelMetadata is the persisted shape of model_metadata.json.
type ModelMetadata struct {
	Model      string        `json:"model"`
	Mode       models.Mode   `json:"mode"`
	BaseURL    string        `json:"base_url,omitempty"`
	Statistics *models.Stats `json:"statistics,omitempty"`
}

// RunMetadata is the persisted shape of run_metadata.json.
type RunMetadata struct {
	RunID          string           `json:"run_id"`
	JobID          string           `json:"job_id"`
	Model          string           `json:"model"`
	ModelSlug      string           `json:"model_slug"`
	RunNumber      int              `json:"run_number"`
	Mode           models.Mode      `json:"mode"`
	Status         models.RunStatus `json:"status"`
	Endpoint       string           `json:"endpoint,omitempty"`
	Error          string           `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	EndedAt        *time.Time       `json:"ended_at,omitempty"`
	TotalPages     int              `json:"total_pages"`
	CompletedPages int              `json:"completed_pages"`
	FailedPages    int              `json:"failed_pages"`
	SourceFiles    []string         `json:"source_files,omitempty"`
	RuntimeSeconds float64          `json:"runtime_seconds"`
	Statistics     *models.Stats    `json:"statistics,omitempty"`
}

// DocumentMetadata is the persisted shape of pdf_metadata.json. The pages
// array holds the page records this document's rollup derives from.
type DocumentMetadata struct {
	SourcePDF  string              `json:"source_pdf"`
	DocSlug    string              `json:"pdf_slug"`
	PageCount  int                 `json:"page_count"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	EndedAt    *time.Time          `json:"ended_at,omitempty"`
	Statistics *models.Stats       `json:"statistics,omitempty"`
	Pages      []models.PageRecord `json:"pages"`
}

// rollup recomputes the document's statistics from its page records.
func (d *DocumentMetadata) rollup() {
	stats := models.Stats{}
	for _, page := range d.Pages {
		stats.AddPage(page)
	}
	d.Statistics = &stats
}
