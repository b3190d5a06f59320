package store

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	jobMetadataFile   = "job_metadata.json"
	modelMetadataFile = "model_metadata.json"
	runMetadataFile   = "run_metadata.json"
	docMetadataFile   = "pdf_metadata.json"
	runErrorsFile     = "errors.jsonl"
	runDirPrefix      = "run-"
)

// ModelSlug derives the filesystem-safe directory name for a model id,
// e.g. "allenai/olmOCR-2-7B" -> "allenai-olmOCR-2-7B".
func ModelSlug(model string) string {
	value := strings.TrimSpace(model)
	value = strings.ReplaceAll(value, "/", "-")
	value = strings.ReplaceAll(value, " ", "-")
	for strings.Contains(value, "--") {
		value = strings.ReplaceAll(value, "--", "-")
	}
	return value
}

// RunDirName returns the directory name for a run number.
func RunDirName(runNumber int) string {
	return fmt.Sprintf("%s%d", runDirPrefix, runNumber)
}

// ParseRunNumber extracts the run number from a "run-N" directory name,
// returning ok=false for anything else.
func ParseRunNumber(name string) (int, bool) {
	suffix, found := strings.CutPrefix(name, runDirPrefix)
	if !found {
		return 0, false
	}
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (s *FileStore) jobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *FileStore) modelDir(jobID, modelSlug string) string {
	return filepath.Join(s.root, jobID, modelSlug)
}

func (s *FileStore) runDir(ref RunRef) string {
	return filepath.Join(s.root, ref.JobID, ref.ModelSlug, RunDirName(ref.RunNumber))
}

func (s *FileStore) docDir(ref DocRef) string {
	return filepath.Join(s.runDir(ref.Run), ref.DocSlug)
}

func pageFileName(pageNumber int) string {
	return strconv.Itoa(pageNumber) + ".md"
}
