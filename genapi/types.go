package genapi

import (
	"strings"
	"time"

	"github.com/lumabase/genengine/gen"
)

// submitRequest is the wire body for POST /generate.
type submitRequest struct {
	Prompt          string   `json:"prompt,omitempty"`
	NegativePrompt  string   `json:"negative_prompt,omitempty"`
	ModelID         string   `json:"model_id"`
	Mode            string   `json:"mode"`
	AspectRatio     string   `json:"aspect_ratio,omitempty"`
	Resolution      string   `json:"resolution,omitempty"`
	Quality         string   `json:"quality,omitempty"`
	DurationSec     int      `json:"duration_seconds,omitempty"`
	Seed            *int64   `json:"seed,omitempty"`
	NumOutputs      int      `json:"num_outputs"`
	OutputFormat    string   `json:"output_format,omitempty"`
	ReferenceAssets []string `json:"reference_assets,omitempty"`
	ThreadID        string   `json:"thread_id,omitempty"`
}

type resultItem struct {
	URL string `json:"url"`
}

// submitResponse covers both provider shapes: synchronous completion with
// results inline, or a job handle for async polling.
type submitResponse struct {
	Status       string       `json:"status,omitempty"`
	Results      []resultItem `json:"results,omitempty"`
	JobID        string       `json:"job_id,omitempty"`
	GenerationID string       `json:"generation_id,omitempty"`
	Provider     string       `json:"provider,omitempty"`
	Error        string       `json:"error,omitempty"`
}

type jobStatusResponse struct {
	Status  string       `json:"status"`
	Results []resultItem `json:"results,omitempty"`
	Error   string       `json:"error,omitempty"`
}

type historyResponse struct {
	Generations []HistoryRow `json:"generations"`
}

// HistoryRow is one server-side generation row. A single row may carry
// several output URLs; URLs() flattens the variously named URL fields.
type HistoryRow struct {
	ID          string    `json:"id"`
	Prompt      string    `json:"prompt"`
	ModelID     string    `json:"model_id"`
	AspectRatio string    `json:"aspect_ratio,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	ThreadID    string    `json:"thread_id,omitempty"`

	ImageURL   string   `json:"image_url,omitempty"`
	VideoURL   string   `json:"video_url,omitempty"`
	OutputURLs []string `json:"output_urls,omitempty"`
}

// URLs returns every non-empty output URL on the row, in stable order.
func (r HistoryRow) URLs() []string {
	out := make([]string, 0, len(r.OutputURLs)+2)
	for _, u := range r.OutputURLs {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	if u := strings.TrimSpace(r.ImageURL); u != "" {
		out = append(out, u)
	}
	if u := strings.TrimSpace(r.VideoURL); u != "" {
		out = append(out, u)
	}
	return out
}

// SubmitResult is the decoded outcome of a submission: either inline results
// (synchronous providers) or a handle to poll.
type SubmitResult struct {
	Completed    bool
	URLs         []string
	GenerationID string
	Handle       *gen.JobHandle
}

// JobStatusResult is one decoded poll response.
type JobStatusResult struct {
	Status gen.JobStatus
	URLs   []string
	Reason string
}

// HistoryQuery scopes a GET /history call.
type HistoryQuery struct {
	Mode     gen.Mode
	Limit    int
	Offset   int
	ModelID  string
	ThreadID string
}
