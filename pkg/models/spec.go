package models

// DefaultOCRPrompt is used when a job submission carries no prompt.
const DefaultOCRPrompt = "You are an OCR assistant. Extract all visible text from this PDF page and return clean markdown. " +
	"Preserve headings, lists, and tables when possible. Do not add commentary."

// Mode selects how a model target is reached: a remote OpenAI-compatible API
// or a locally managed vLLM server.
type Mode string

const (
	ModeAPI   Mode = "api"
	ModeLocal Mode = "local"
)

// ModelTarget describes one model a job should be run against. The APIKey is
// held in memory only and never serialized into any persisted record.
type ModelTarget struct {
	Model string `json:"model"`
	Mode  Mode   `json:"mode"`

	// BaseURL is the OpenAI-compatible endpoint for api mode. Required there,
	// ignored for local mode where the scheduler assigns the endpoint.
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"-"`

	// Local mode launch parameters.
	TensorParallelSize    int      `json:"tensor_parallel_size,omitempty"`
	DataParallelSize      int      `json:"data_parallel_size,omitempty"`
	GPUMemoryUtilization  float64  `json:"gpu_memory_utilization,omitempty"`
	MaxModelLen           int      `json:"max_model_len,omitempty"`
	MaxConcurrentRequests int      `json:"max_concurrent_requests,omitempty"`
	ExtraArgs             []string `json:"extra_vllm_args,omitempty"`
}

// GPUSlots returns the number of GPU slots a local run occupies, the product
// of its tensor and data parallel sizes.
func (t ModelTarget) GPUSlots() int {
	tp := t.TensorParallelSize
	if tp < 1 {
		tp = 1
	}
	dp := t.DataParallelSize
	if dp < 1 {
		dp = 1
	}
	return tp * dp
}

// JobSpec is a job submission before expansion into runs.
type JobSpec struct {
	JobID     string        `json:"job_id,omitempty"`
	Title     string        `json:"title,omitempty"`
	InputPath string        `json:"input_path"`
	Models    []ModelTarget `json:"models"`
	Prompt    string        `json:"prompt,omitempty"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}
