package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelier/scanforge/internal/api"
	"github.com/avelier/scanforge/internal/api/handler"
	"github.com/avelier/scanforge/internal/job"
	"github.com/avelier/scanforge/internal/store"
	"github.com/avelier/scanforge/pkg/models"
)

type fakeService struct {
	jobs      map[string]*models.Job
	submitted []models.JobSpec
	submitErr error
}

func (f *fakeService) Submit(ctx context.Context, spec models.JobSpec) (*models.Job, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, spec)
	return &models.Job{ID: "job-1", Status: models.JobStatusRunning}, nil
}

func (f *fakeService) ListJobs() []*models.Job {
	out := make([]*models.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out
}

func (f *fakeService) GetJob(jobID string) (*models.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%q: %w", jobID, job.ErrJobNotFound)
	}
	return j, nil
}

func (f *fakeService) Cancel(jobID string) error {
	if _, ok := f.jobs[jobID]; !ok {
		return fmt.Errorf("%q: %w", jobID, job.ErrJobNotFound)
	}
	return nil
}

func (f *fakeService) Dismiss(jobID string) error {
	j, ok := f.jobs[jobID]
	if !ok {
		return fmt.Errorf("%q: %w", jobID, job.ErrJobNotFound)
	}
	if !j.Status.Terminal() {
		return fmt.Errorf("%q: %w", jobID, job.ErrNotTerminal)
	}
	delete(f.jobs, jobID)
	return nil
}

type fakeReader struct {
	pages map[string][]store.OutputPage
}

func (f *fakeReader) ListOutputPages(jobID string) ([]store.OutputPage, error) {
	pages, ok := f.pages[jobID]
	if !ok {
		return nil, fmt.Errorf("job %q: %w", jobID, store.ErrNotFound)
	}
	return pages, nil
}

func (f *fakeReader) ReadOutputPage(jobID string, index int) (store.OutputPage, string, error) {
	pages, err := f.ListOutputPages(jobID)
	if err != nil {
		return store.OutputPage{}, "", err
	}
	if index < 0 || index >= len(pages) {
		return store.OutputPage{}, "", store.ErrPageOutOfRange
	}
	return pages[index], "# Page\n", nil
}

type fakePool struct{ total, free int }

func (p *fakePool) TotalSlots() int { return p.total }
func (p *fakePool) FreeSlots() int  { return p.free }

func newTestServer(svc *fakeService, reader *fakeReader) *httptest.Server {
	router := api.NewRouter(api.Dependencies{
		Jobs:    handler.NewJobs(svc),
		Outputs: handler.NewOutputs(reader),
		System:  handler.NewSystem("test", "/tmp/inputs", &fakePool{total: 4, free: 2}),
	})
	return httptest.NewServer(router)
}

func decodeData(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	data, ok := body["data"].(map[string]any)
	require.True(t, ok, "expected data envelope, got %v", body)
	return data
}

func decodeError(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	errBody, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %v", body)
	return errBody
}

func TestSubmitJob_PassesCredentialThrough(t *testing.T) {
	svc := &fakeService{jobs: map[string]*models.Job{}}
	ts := newTestServer(svc, &fakeReader{})
	defer ts.Close()

	payload := `{
		"input_path": "docs/report.pdf",
		"models": [{"model": "org/m", "mode": "api", "base_url": "https://api.example.com/v1", "api_key": "sk-secret"}]
	}`
	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	data := decodeData(t, resp)
	assert.Equal(t, "job-1", data["job_id"])

	require.Len(t, svc.submitted, 1)
	target := svc.submitted[0].Models[0]
	assert.Equal(t, "sk-secret", target.APIKey)
	assert.Equal(t, models.ModeAPI, target.Mode)
}

func TestSubmitJob_ValidationMapsTo400(t *testing.T) {
	svc := &fakeService{submitErr: fmt.Errorf("input_path is required: %w", job.ErrValidation)}
	ts := newTestServer(svc, &fakeReader{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", decodeError(t, resp)["code"])
}

func TestSubmitJob_ActiveDuplicateMapsTo409(t *testing.T) {
	svc := &fakeService{submitErr: fmt.Errorf("%q: %w", "job-1", job.ErrJobActive)}
	ts := newTestServer(svc, &fakeReader{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "JOB_ACTIVE", decodeError(t, resp)["code"])
}

func TestGetJob_NotFound(t *testing.T) {
	ts := newTestServer(&fakeService{jobs: map[string]*models.Job{}}, &fakeReader{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/jobs/missing")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_FOUND", decodeError(t, resp)["code"])
}

func TestDismissJob_NotTerminalMapsTo409(t *testing.T) {
	svc := &fakeService{jobs: map[string]*models.Job{
		"job-1": {ID: "job-1", Status: models.JobStatusRunning},
	}}
	ts := newTestServer(svc, &fakeReader{})
	defer ts.Close()

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/jobs/job-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_TERMINAL", decodeError(t, resp)["code"])
}

func TestCancelJob_OK(t *testing.T) {
	svc := &fakeService{jobs: map[string]*models.Job{
		"job-1": {ID: "job-1", Status: models.JobStatusRunning},
	}}
	ts := newTestServer(svc, &fakeReader{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/jobs/job-1/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := decodeData(t, resp)
	assert.Equal(t, true, data["canceled"])
}

func TestListPages_And_GetPage(t *testing.T) {
	reader := &fakeReader{pages: map[string][]store.OutputPage{
		"job-1": {
			{Index: 0, ModelSlug: "org-m", RunNumber: 1, PageNumber: 1, MarkdownPath: "/out/1.md"},
			{Index: 1, ModelSlug: "org-m", RunNumber: 1, PageNumber: 2, MarkdownPath: "/out/2.md"},
		},
	}}
	ts := newTestServer(&fakeService{jobs: map[string]*models.Job{}}, reader)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/jobs/job-1/pages")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := decodeData(t, resp)
	assert.Equal(t, float64(2), data["count"])

	resp, err = http.Get(ts.URL + "/api/v1/jobs/job-1/pages/1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data = decodeData(t, resp)
	assert.Equal(t, "# Page\n", data["markdown"])

	resp, err = http.Get(ts.URL + "/api/v1/jobs/job-1/pages/9")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/v1/jobs/missing/pages")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndGPUs(t *testing.T) {
	ts := newTestServer(&fakeService{jobs: map[string]*models.Job{}}, &fakeReader{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeData(t, resp)["status"])

	resp, err = http.Get(ts.URL + "/api/v1/system/gpus")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := decodeData(t, resp)
	assert.Equal(t, float64(4), data["slot_total"])
	assert.Equal(t, float64(2), data["slot_free"])
}
