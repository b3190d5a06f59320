// Package store owns the on-disk job/model/run/document/page hierarchy:
//
//	outputs/<job_id>/job_metadata.json
//	outputs/<job_id>/<model_slug>/model_metadata.json
//	outputs/<job_id>/<model_slug>/run-<run_num>/run_metadata.json
//	outputs/<job_id>/<model_slug>/run-<run_num>/<document_slug>/<page_num>.md
//	outputs/<job_id>/<model_slug>/run-<run_num>/<document_slug>/pdf_metadata.json
//
// The layout is a stable contract consumed by external viewers. Page records
// are the source of truth; every metadata level above them is a rollup that
// can be recomputed from its children at any time.
package store

import (
	"errors"
	"time"

	"github.com/avelier/scanforge/pkg/models"
)

var (
	// ErrNotFound is returned when a job has no outputs on disk.
	ErrNotFound = errors.New("outputs not found")
	// ErrPageOutOfRange is returned for an output page index past the end.
	ErrPageOutOfRange = errors.New("output page index out of range")
)

// RunRef identifies one run directory.
type RunRef struct {
	JobID     string
	ModelSlug string
	RunNumber int
}

// DocRef identifies one document directory within a run.
type DocRef struct {
	Run     RunRef
	DocSlug string
}

// RunErrorRecord is one line of a run's errors.jsonl.
type RunErrorRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	SourcePDF  string    `json:"source_pdf"`
	PageNumber int       `json:"page"`
	Error      string    `json:"error"`
}

// OutputPage is one written page artifact, as listed for viewers.
type OutputPage struct {
	Index        int    `json:"index"`
	Model        string `json:"model"`
	ModelSlug    string `json:"model_slug"`
	Mode         string `json:"mode,omitempty"`
	RunNumber    int    `json:"run_number"`
	DocSlug      string `json:"pdf_slug"`
	PageNumber   int    `json:"page_number"`
	SourcePDF    string `json:"source_pdf,omitempty"`
	MarkdownPath string `json:"markdown_path"`
	Bytes        int64  `json:"bytes"`
	OutputTokens *int64 `json:"output_tokens,omitempty"`
}

// Store is the persistence interface the orchestrator and scheduler agree on.
// Implementations must allow concurrent WritePage calls for different pages
// of the same document.
type Store interface {
	// AllocateRunNumber returns the next run number for (jobID, modelSlug),
	// derived from the run directories already on disk so numbering survives
	// process restarts. The returned number's directory is created before the
	// call returns, making allocation atomic with respect to later scans.
	AllocateRunNumber(jobID, modelSlug string) (int, error)

	WriteJobMetadata(jobID string, meta *JobMetadata) error
	WriteModelMetadata(jobID, modelSlug string, meta *ModelMetadata) error
	WriteRunMetadata(ref RunRef, meta *RunMetadata) error

	// BeginDocument creates the document directory and its metadata shell.
	// The requested slug is suffixed if it already exists within the run.
	BeginDocument(ref RunRef, sourcePath, docSlug string, pageCount int) (DocRef, error)
	// WritePage writes the page artifact (when content is non-nil) and merges
	// the record into the document metadata, keyed by page number.
	WritePage(ref DocRef, rec models.PageRecord, content []byte) error
	FinishDocument(ref DocRef) error

	// FinalizeRun/FinalizeModel/FinalizeJob recompute rollups bottom-up from
	// child records and persist them, returning the aggregate.
	FinalizeRun(ref RunRef) (models.Stats, error)
	FinalizeModel(jobID, modelSlug string) (models.Stats, error)
	FinalizeJob(jobID string) (models.Stats, error)

	AppendRunError(ref RunRef, rec RunErrorRecord) error

	ListOutputPages(jobID string) ([]OutputPage, error)
	// ReadOutputPage returns the page at index in ListOutputPages order along
	// with its markdown content.
	ReadOutputPage(jobID string, index int) (OutputPage, string, error)
}
