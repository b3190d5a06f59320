package handler

import (
	"net/http"
	"time"

	"github.com/avelier/scanforge/internal/api/response"
	"github.com/avelier/scanforge/internal/gpu"
	"github.com/avelier/scanforge/internal/input"
)

// SlotPool exposes the scheduler's capacity counters.
type SlotPool interface {
	TotalSlots() int
	FreeSlots() int
}

// System serves health, GPU inventory and input discovery.
type System struct {
	env        string
	inputsDir  string
	pool       SlotPool
	queryStats func(r *http.Request) []gpu.Stat
}

func NewSystem(env, inputsDir string, pool SlotPool) *System {
	return &System{
		env:       env,
		inputsDir: inputsDir,
		pool:      pool,
		queryStats: func(r *http.Request) []gpu.Stat {
			return gpu.QueryStats(r.Context())
		},
	}
}

func (h *System) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, map[string]any{
		"status": "ok",
		"env":    h.env,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *System) GPUs(w http.ResponseWriter, r *http.Request) {
	stats := h.queryStats(r)
	response.JSON(w, map[string]any{
		"gpu_count":  len(stats),
		"gpus":       stats,
		"slot_total": h.pool.TotalSlots(),
		"slot_free":  h.pool.FreeSlots(),
	})
}

// maxInputListing caps discovery walks over large input trees.
const maxInputListing = 200

func (h *System) Inputs(w http.ResponseWriter, r *http.Request) {
	candidates, err := input.ListInputs(h.inputsDir, maxInputListing)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list inputs", nil)
		return
	}
	response.JSON(w, map[string]any{"inputs_dir": h.inputsDir, "candidates": candidates})
}
