package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/avelier/scanforge/pkg/models"
)

// ListOutputPages walks a job's output tree and returns every written page
// artifact in (model_slug, run_number, document_slug, page_number) order.
func (s *FileStore) ListOutputPages(jobID string) ([]OutputPage, error) {
	jobDir := s.jobDir(jobID)
	if _, err := os.Stat(jobDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("job %q: %w", jobID, ErrNotFound)
	}

	modelDirs, err := sortedSubdirs(jobDir)
	if err != nil {
		return nil, err
	}

	var pages []OutputPage
	for _, modelSlug := range modelDirs {
		modelMeta := ModelMetadata{}
		_ = readJSON(filepath.Join(jobDir, modelSlug, modelMetadataFile), &modelMeta)

		runDirs, err := sortedSubdirs(filepath.Join(jobDir, modelSlug))
		if err != nil {
			return nil, err
		}
		var runNumbers []int
		for _, name := range runDirs {
			if n, ok := ParseRunNumber(name); ok {
				runNumbers = append(runNumbers, n)
			}
		}
		sort.Ints(runNumbers)

		for _, runNumber := range runNumbers {
			ref := RunRef{JobID: jobID, ModelSlug: modelSlug, RunNumber: runNumber}
			docDirs, err := sortedSubdirs(s.runDir(ref))
			if err != nil {
				return nil, err
			}
			for _, docSlug := range docDirs {
				docRef := DocRef{Run: ref, DocSlug: docSlug}
				var meta DocumentMetadata
				if err := readJSON(filepath.Join(s.docDir(docRef), docMetadataFile), &meta); err != nil {
					if os.IsNotExist(err) {
						continue
					}
					return nil, fmt.Errorf("reading document metadata: %w", err)
				}
				for _, rec := range meta.Pages {
					if rec.OutputFile == "" {
						continue
					}
					page := OutputPage{
						Index:        len(pages),
						Model:        modelMeta.Model,
						ModelSlug:    modelSlug,
						Mode:         string(modelMeta.Mode),
						RunNumber:    runNumber,
						DocSlug:      docSlug,
						PageNumber:   rec.PageNumber,
						SourcePDF:    meta.SourcePDF,
						MarkdownPath: filepath.Join(s.docDir(docRef), rec.OutputFile),
						Bytes:        rec.OutputBytes,
					}
					if rec.TokenUsage != (models.TokenUsage{}) {
						tokens := rec.TokenUsage.OutputTokens
						page.OutputTokens = &tokens
					}
					pages = append(pages, page)
				}
			}
		}
	}
	return pages, nil
}

func (s *FileStore) ReadOutputPage(jobID string, index int) (OutputPage, string, error) {
	pages, err := s.ListOutputPages(jobID)
	if err != nil {
		return OutputPage{}, "", err
	}
	if index < 0 || index >= len(pages) {
		return OutputPage{}, "", fmt.Errorf("index %d of %d pages: %w", index, len(pages), ErrPageOutOfRange)
	}

	page := pages[index]
	content, err := os.ReadFile(page.MarkdownPath)
	if err != nil {
		return OutputPage{}, "", fmt.Errorf("reading page artifact: %w", err)
	}
	return page, string(content), nil
}

// sortedSubdirs returns the directory names under dir in lexical order,
// skipping files.
func sortedSubdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", filepath.Base(dir), err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
