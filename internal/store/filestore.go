package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/avelier/scanforge/pkg/models"
)

// FileStore implements Store on a local outputs directory.
type FileStore struct {
	root string

	// allocMu makes run-number allocation atomic relative to the directory
	// scan that derives it.
	allocMu sync.Mutex

	// docMu guards docLocks; each document's metadata merges are serialized
	// by its own lock so concurrent pages of one document cannot lose updates.
	docMu    sync.Mutex
	docLocks map[string]*sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating outputs root: %w", err)
	}
	return &FileStore{
		root:     dir,
		docLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the outputs root directory.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) AllocateRunNumber(jobID, modelSlug string) (int, error) {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	modelDir := s.modelDir(jobID, modelSlug)
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		return 0, fmt.Errorf("creating model dir: %w", err)
	}

	max := 0
	entries, err := os.ReadDir(modelDir)
	if err != nil {
		return 0, fmt.Errorf("scanning model dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if n, ok := ParseRunNumber(entry.Name()); ok && n > max {
			max = n
		}
	}

	next := max + 1
	// Creating the directory inside the allocation lock reserves the number:
	// a later scan can never hand it out again.
	if err := os.MkdirAll(filepath.Join(modelDir, RunDirName(next)), 0o755); err != nil {
		return 0, fmt.Errorf("creating run dir: %w", err)
	}
	return next, nil
}

func (s *FileStore) WriteJobMetadata(jobID string, meta *JobMetadata) error {
	return writeJSON(filepath.Join(s.jobDir(jobID), jobMetadataFile), meta)
}

func (s *FileStore) WriteModelMetadata(jobID, modelSlug string, meta *ModelMetadata) error {
	return writeJSON(filepath.Join(s.modelDir(jobID, modelSlug), modelMetadataFile), meta)
}

func (s *FileStore) WriteRunMetadata(ref RunRef, meta *RunMetadata) error {
	return writeJSON(filepath.Join(s.runDir(ref), runMetadataFile), meta)
}

func (s *FileStore) BeginDocument(ref RunRef, sourcePath, docSlug string, pageCount int) (DocRef, error) {
	runDir := s.runDir(ref)

	// Same source stem twice in one run gets a numeric suffix.
	slug := docSlug
	for i := 2; ; i++ {
		if _, err := os.Stat(filepath.Join(runDir, slug)); os.IsNotExist(err) {
			break
		}
		slug = fmt.Sprintf("%s-%d", docSlug, i)
	}

	docRef := DocRef{Run: ref, DocSlug: slug}
	if err := os.MkdirAll(s.docDir(docRef), 0o755); err != nil {
		return DocRef{}, fmt.Errorf("creating document dir: %w", err)
	}

	now := time.Now().UTC()
	meta := &DocumentMetadata{
		SourcePDF: sourcePath,
		DocSlug:   slug,
		PageCount: pageCount,
		CreatedAt: now,
		UpdatedAt: now,
		StartedAt: &now,
		Pages:     []models.PageRecord{},
	}
	meta.rollup()
	if err := writeJSON(filepath.Join(s.docDir(docRef), docMetadataFile), meta); err != nil {
		return DocRef{}, err
	}
	return docRef, nil
}

func (s *FileStore) WritePage(ref DocRef, rec models.PageRecord, content []byte) error {
	dir := s.docDir(ref)

	if content != nil {
		rec.OutputFile = pageFileName(rec.PageNumber)
		rec.OutputBytes = int64(len(content))
		if err := os.WriteFile(filepath.Join(dir, rec.OutputFile), content, 0o644); err != nil {
			return fmt.Errorf("writing page artifact: %w", err)
		}
	}

	lock := s.docLock(dir)
	lock.Lock()
	defer lock.Unlock()

	return s.mutateDocMetadata(ref, func(meta *DocumentMetadata) {
		replaced := false
		for i := range meta.Pages {
			if meta.Pages[i].PageNumber == rec.PageNumber {
				meta.Pages[i] = rec
				replaced = true
				break
			}
		}
		if !replaced {
			meta.Pages = append(meta.Pages, rec)
		}
		sort.Slice(meta.Pages, func(i, j int) bool {
			return meta.Pages[i].PageNumber < meta.Pages[j].PageNumber
		})
	})
}

func (s *FileStore) FinishDocument(ref DocRef) error {
	lock := s.docLock(s.docDir(ref))
	lock.Lock()
	defer lock.Unlock()

	return s.mutateDocMetadata(ref, func(meta *DocumentMetadata) {
		now := time.Now().UTC()
		meta.EndedAt = &now
	})
}

// mutateDocMetadata applies fn to the document metadata and persists it with
// the rollup recomputed. Callers hold the document lock.
func (s *FileStore) mutateDocMetadata(ref DocRef, fn func(*DocumentMetadata)) error {
	path := filepath.Join(s.docDir(ref), docMetadataFile)
	var meta DocumentMetadata
	if err := readJSON(path, &meta); err != nil {
		return fmt.Errorf("reading document metadata: %w", err)
	}
	fn(&meta)
	meta.UpdatedAt = time.Now().UTC()
	meta.rollup()
	return writeJSON(path, &meta)
}

func (s *FileStore) FinalizeRun(ref RunRef) (models.Stats, error) {
	stats, err := s.collectRunStats(s.runDir(ref))
	if err != nil {
		return models.Stats{}, err
	}

	path := filepath.Join(s.runDir(ref), runMetadataFile)
	var meta RunMetadata
	if err := readJSON(path, &meta); err != nil {
		return models.Stats{}, fmt.Errorf("reading run metadata: %w", err)
	}
	meta.Statistics = &stats
	if err := writeJSON(path, &meta); err != nil {
		return models.Stats{}, err
	}
	return stats, nil
}

func (s *FileStore) FinalizeModel(jobID, modelSlug string) (models.Stats, error) {
	stats, err := s.collectModelStats(s.modelDir(jobID, modelSlug))
	if err != nil {
		return models.Stats{}, err
	}

	path := filepath.Join(s.modelDir(jobID, modelSlug), modelMetadataFile)
	var meta ModelMetadata
	if err := readJSON(path, &meta); err != nil {
		return models.Stats{}, fmt.Errorf("reading model metadata: %w", err)
	}
	meta.Statistics = &stats
	if err := writeJSON(path, &meta); err != nil {
		return models.Stats{}, err
	}
	return stats, nil
}

func (s *FileStore) FinalizeJob(jobID string) (models.Stats, error) {
	jobDir := s.jobDir(jobID)
	entries, err := os.ReadDir(jobDir)
	if err != nil {
		return models.Stats{}, fmt.Errorf("scanning job dir: %w", err)
	}

	stats := models.Stats{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		modelStats, err := s.collectModelStats(filepath.Join(jobDir, entry.Name()))
		if err != nil {
			return models.Stats{}, err
		}
		stats.Merge(modelStats)
	}

	path := filepath.Join(jobDir, jobMetadataFile)
	var meta JobMetadata
	if err := readJSON(path, &meta); err != nil {
		return models.Stats{}, fmt.Errorf("reading job metadata: %w", err)
	}
	meta.Statistics = &stats
	if err := writeJSON(path, &meta); err != nil {
		return models.Stats{}, err
	}
	return stats, nil
}

func (s *FileStore) AppendRunError(ref RunRef, rec RunErrorRecord) error {
	path := filepath.Join(s.runDir(ref), runErrorsFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening run error log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding run error: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending run error: %w", err)
	}
	return nil
}

// collectRunStats recomputes a run's rollup from the page records of every
// document beneath it.
func (s *FileStore) collectRunStats(runDir string) (models.Stats, error) {
	entries, err := os.ReadDir(runDir)
	if err != nil {
		return models.Stats{}, fmt.Errorf("scanning run dir: %w", err)
	}

	stats := models.Stats{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		metaPath := filepath.Join(runDir, entry.Name(), docMetadataFile)
		var meta DocumentMetadata
		if err := readJSON(metaPath, &meta); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return models.Stats{}, fmt.Errorf("reading document metadata: %w", err)
		}
		for _, page := range meta.Pages {
			stats.AddPage(page)
		}
	}
	return stats, nil
}

func (s *FileStore) collectModelStats(modelDir string) (models.Stats, error) {
	entries, err := os.ReadDir(modelDir)
	if err != nil {
		return models.Stats{}, fmt.Errorf("scanning model dir: %w", err)
	}

	stats := models.Stats{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := ParseRunNumber(entry.Name()); !ok {
			continue
		}
		runStats, err := s.collectRunStats(filepath.Join(modelDir, entry.Name()))
		if err != nil {
			return models.Stats{}, err
		}
		stats.Merge(runStats)
	}
	return stats, nil
}

func (s *FileStore) docLock(dir string) *sync.Mutex {
	s.docMu.Lock()
	defer s.docMu.Unlock()
	lock, ok := s.docLocks[dir]
	if !ok {
		lock = &sync.Mutex{}
		s.docLocks[dir] = lock
	}
	return lock
}

// writeJSON persists v atomically: readers never observe a half-written file.
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating parent dir: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
