package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/avelier/scanforge/internal/api/response"
	"github.com/avelier/scanforge/internal/store"
)

// OutputReader is the slice of the output store the HTTP layer depends on.
type OutputReader interface {
	ListOutputPages(jobID string) ([]store.OutputPage, error)
	ReadOutputPage(jobID string, index int) (store.OutputPage, string, error)
}

// Outputs serves written page artifacts for viewers.
type Outputs struct {
	reader OutputReader
}

func NewOutputs(reader OutputReader) *Outputs {
	return &Outputs{reader: reader}
}

func (h *Outputs) ListPages(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	pages, err := h.reader.ListOutputPages(jobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	response.JSON(w, map[string]any{"job_id": jobID, "count": len(pages), "pages": pages})
}

func (h *Outputs) GetPage(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_INDEX", "Page index must be an integer", nil)
		return
	}

	page, markdown, err := h.reader.ReadOutputPage(jobID, index)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	response.JSON(w, map[string]any{"page": page, "markdown": markdown})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "OUTPUTS_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, store.ErrPageOutOfRange):
		response.Error(w, http.StatusNotFound, "PAGE_OUT_OF_RANGE", err.Error(), nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
