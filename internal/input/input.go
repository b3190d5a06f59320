// Package input resolves and expands job input paths into page-counted
// documents. Page rasterization itself is delegated to a Rasterizer, which is
// an external collaborator of the orchestration engine.
package input

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNoDocuments is returned when an input path contains no PDF files.
var ErrNoDocuments = errors.New("no PDF files found at input path")

// Descriptor is a rasterizer's view of one source file.
type Descriptor struct {
	Path      string
	PageCount int
}

// Rasterizer turns a source document into per-page PNG images. Implementations
// must be safe for concurrent use.
type Rasterizer interface {
	Describe(ctx context.Context, path string) (Descriptor, error)
	// RenderPage renders the 1-based pageNumber to PNG bytes.
	RenderPage(ctx context.Context, path string, pageNumber int) ([]byte, error)
}

// Document is a rasterizable input plus its derived identity.
type Document struct {
	Path      string
	Slug      string
	PageCount int
}

// Candidate is an entry under the inputs root, for discovery listings.
type Candidate struct {
	Path     string `json:"path"`
	Kind     string `json:"kind"`
	Relative string `json:"relative_to_inputs"`
}

// ResolveInputPath resolves a submitted path: absolute paths pass through,
// relative paths are tried against the working directory first and then
// against the inputs root.
func ResolveInputPath(inputsRoot, candidate string) string {
	if filepath.IsAbs(candidate) {
		return candidate
	}
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return filepath.Join(inputsRoot, candidate)
}

// ExpandPDFInputs expands a file or directory into a sorted list of PDF paths.
func ExpandPDFInputs(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat input path: %w", err)
	}

	if !info.IsDir() {
		if !isPDF(path) {
			return nil, ErrNoDocuments
		}
		return []string{path}, nil
	}

	var pdfs []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isPDF(p) {
			pdfs = append(pdfs, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk input dir: %w", err)
	}

	sort.Strings(pdfs)
	if len(pdfs) == 0 {
		return nil, ErrNoDocuments
	}
	return pdfs, nil
}

// Discover resolves, expands and describes an input path into documents.
func Discover(ctx context.Context, raster Rasterizer, inputsRoot, candidate string) ([]Document, error) {
	path := ResolveInputPath(inputsRoot, candidate)
	pdfs, err := ExpandPDFInputs(path)
	if err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(pdfs))
	for _, pdf := range pdfs {
		desc, err := raster.Describe(ctx, pdf)
		if err != nil {
			return nil, fmt.Errorf("describe %s: %w", pdf, err)
		}
		docs = append(docs, Document{
			Path:      pdf,
			Slug:      DocumentSlug(pdf),
			PageCount: desc.PageCount,
		})
	}
	return docs, nil
}

// ListInputs walks the inputs root and returns PDF files and the folders
// containing them, capped at max entries.
func ListInputs(inputsRoot string, max int) ([]Candidate, error) {
	if err := os.MkdirAll(inputsRoot, 0o755); err != nil {
		return nil, err
	}

	var candidates []Candidate
	seenDirs := map[string]bool{}

	err := filepath.WalkDir(inputsRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if len(candidates) >= max {
			return fs.SkipAll
		}
		if d.IsDir() || !isPDF(p) {
			return nil
		}

		rel, relErr := filepath.Rel(inputsRoot, p)
		if relErr != nil {
			return relErr
		}
		candidates = append(candidates, Candidate{Path: p, Kind: "pdf", Relative: rel})

		parent := filepath.Dir(p)
		if parent != inputsRoot && !seenDirs[parent] {
			seenDirs[parent] = true
			relDir, relErr := filepath.Rel(inputsRoot, parent)
			if relErr != nil {
				return relErr
			}
			candidates = append(candidates, Candidate{Path: parent, Kind: "folder", Relative: relDir})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// DocumentSlug derives a filesystem-safe identifier from a document path.
func DocumentSlug(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Slugify(stem)
}

// Slugify reduces a string to [a-zA-Z0-9._-], collapsing runs of other
// characters into single dashes.
func Slugify(value string) string {
	var b strings.Builder
	lastDash := true // trim leading dashes
	for _, r := range strings.TrimSpace(value) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			if r == '-' && lastDash {
				continue
			}
			b.WriteRune(r)
			lastDash = r == '-'
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if out == "" {
		return "doc"
	}
	return out
}

func isPDF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pdf")
}
