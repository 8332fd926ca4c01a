package api

// Status is the server-assigned lifecycle state of an analysis request.
// A request starts Queued, moves through Processing, and terminates at
// Completed or Failed.
type Status string

const (
	StatusQueued     Status = "Queued"
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further status transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// RequestSummary is the lightweight list-row projection of a request.
// Timestamps are ISO-8601 strings as received; updated_at >= created_at.
type RequestSummary struct {
	ID           int    `json:"id"`
	Status       Status `json:"status"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	Filename     string `json:"filename,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// AnalysisRequest is the full detail record, a superset of the summary.
// The detail is a lazily fetched refinement of a summary row joined on ID.
type AnalysisRequest struct {
	RequestSummary
	UserPrompt      string   `json:"user_prompt,omitempty"`
	ImageReferences []string `json:"image_references,omitempty"`
	ImagesBase64    []string `json:"images_base64,omitempty"`
	// GPTRawResponse is an opaque server-generated result payload,
	// present only once processing concluded.
	GPTRawResponse string `json:"gpt_raw_response,omitempty"`
	// IsSuccess is meaningful once Status is Completed.
	IsSuccess bool `json:"is_success"`
}

// SummaryPatch is a partial summary update as delivered by the push
// channel's request_updated payload. Nil fields are absent and must not
// overwrite existing values on merge.
type SummaryPatch struct {
	ID           int     `json:"id"`
	Status       *Status `json:"status,omitempty"`
	UpdatedAt    *string `json:"updated_at,omitempty"`
	Filename     *string `json:"filename,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// ApplyToSummary shallow-merges the present fields into s.
func (p SummaryPatch) ApplyToSummary(s *RequestSummary) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.UpdatedAt != nil {
		s.UpdatedAt = *p.UpdatedAt
	}
	if p.Filename != nil {
		s.Filename = *p.Filename
	}
	if p.ErrorMessage != nil {
		s.ErrorMessage = *p.ErrorMessage
	}
}

// ApplyToDetail shallow-merges the present fields into the detail's
// embedded summary. Detail-only fields are untouched; only the
// authoritative refetch replaces those.
func (p SummaryPatch) ApplyToDetail(d *AnalysisRequest) {
	p.ApplyToSummary(&d.RequestSummary)
}

// PatchFromSummary projects a full summary into a patch, used when an
// authoritative call response should flow through the same merge path as
// a push update.
func PatchFromSummary(s RequestSummary) SummaryPatch {
	status := s.Status
	updatedAt := s.UpdatedAt
	p := SummaryPatch{
		ID:        s.ID,
		Status:    &status,
		UpdatedAt: &updatedAt,
	}
	if s.Filename != "" {
		filename := s.Filename
		p.Filename = &filename
	}
	errorMessage := s.ErrorMessage
	p.ErrorMessage = &errorMessage
	return p
}

// ImageUpload is one image attached to a create call.
type ImageUpload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// CreateInput is the multipart payload for creating an analysis request.
// At least one of UserPrompt or Images must be non-empty.
type CreateInput struct {
	UserPrompt string
	Images     []ImageUpload
}

// BatchAction selects the operation applied to every id in a batch call.
type BatchAction string

const (
	BatchDelete BatchAction = "delete"
	BatchRetry  BatchAction = "retry"
)

// BatchFailure reports one id that the server could not process.
type BatchFailure struct {
	ID     int    `json:"id"`
	Reason string `json:"reason"`
}

// BatchResult carries the per-id outcome of a batch call. Partial failure
// is expected: successes are committed server-side regardless of the
// failed subset.
type BatchResult struct {
	Message string
	Success []int
	Failed  []BatchFailure
}

// FailedIDs returns the ids of the failed subset, the ones a caller may
// re-offer for retry.
func (r BatchResult) FailedIDs() []int {
	if len(r.Failed) == 0 {
		return nil
	}
	ids := make([]int, 0, len(r.Failed))
	for _, f := range r.Failed {
		ids = append(ids, f.ID)
	}
	return ids
}

type batchRequest struct {
	Action     BatchAction `json:"action"`
	RequestIDs []int       `json:"request_ids"`
}

type batchResponse struct {
	Message string `json:"message"`
	Results struct {
		Success []int          `json:"success"`
		Failed  []BatchFailure `json:"failed"`
	} `json:"results"`
}
