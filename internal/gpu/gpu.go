// Package gpu inventories the host's NVIDIA GPUs via nvidia-smi.
package gpu

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
)

// Stat describes one GPU device.
type Stat struct {
	Index              int    `json:"index"`
	Name               string `json:"name"`
	MemoryTotalMB      int    `json:"memory_total_mb"`
	MemoryUsedMB       int    `json:"memory_used_mb"`
	UtilizationPercent int    `json:"utilization_percent"`
}

// QueryStats returns per-device stats, or nil when nvidia-smi is unavailable.
func QueryStats(ctx context.Context) []Stat {
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		return nil
	}

	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,name,memory.total,memory.used,utilization.gpu",
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		return nil
	}

	var stats []Stat
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		parts := strings.Split(line, ",")
		if len(parts) != 5 {
			continue
		}
		stats = append(stats, Stat{
			Index:              parseInt(parts[0]),
			Name:               strings.TrimSpace(parts[1]),
			MemoryTotalMB:      parseInt(parts[2]),
			MemoryUsedMB:       parseInt(parts[3]),
			UtilizationPercent: parseInt(parts[4]),
		})
	}
	return stats
}

// DetectCount returns the number of visible GPUs.
func DetectCount(ctx context.Context) int {
	return len(QueryStats(ctx))
}

func parseInt(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
