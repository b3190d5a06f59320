package input

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// PopplerRasterizer implements Rasterizer by shelling out to the poppler
// tools (pdfinfo, pdftoppm).
type PopplerRasterizer struct {
	// DPI for rendered pages; 0 uses pdftoppm's default.
	DPI int
}

var _ Rasterizer = (*PopplerRasterizer)(nil)

func (r *PopplerRasterizer) Describe(ctx context.Context, path string) (Descriptor, error) {
	out, err := exec.CommandContext(ctx, "pdfinfo", path).Output()
	if err != nil {
		return Descriptor{}, fmt.Errorf("pdfinfo %s: %w", path, err)
	}

	for _, line := range strings.Split(string(out), "\n") {
		if !strings.HasPrefix(line, "Pages:") {
			continue
		}
		count, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Pages:")))
		if err != nil {
			return Descriptor{}, fmt.Errorf("parse page count for %s: %w", path, err)
		}
		return Descriptor{Path: path, PageCount: count}, nil
	}
	return Descriptor{}, fmt.Errorf("pdfinfo output for %s has no page count", path)
}

func (r *PopplerRasterizer) RenderPage(ctx context.Context, path string, pageNumber int) ([]byte, error) {
	args := []string{"-png", "-f", strconv.Itoa(pageNumber), "-l", strconv.Itoa(pageNumber)}
	if r.DPI > 0 {
		args = append(args, "-r", strconv.Itoa(r.DPI))
	}
	// "-" as the output root streams the single rendered page to stdout.
	args = append(args, path, "-")

	cmd := exec.CommandContext(ctx, "pdftoppm", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pdftoppm %s page %d: %w: %s", path, pageNumber, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
