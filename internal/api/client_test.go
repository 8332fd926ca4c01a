package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListBuildsQueryAndDecodesSummaries(t *testing.T) {
	var gotPath, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id": 2, "status": "Processing", "created_at": "2024-01-02T00:00:00", "updated_at": "2024-01-02T00:00:01"},
			{"id": 1, "status": "Failed", "created_at": "2024-01-01T00:00:00", "updated_at": "2024-01-01T00:00:05", "error_message": "boom"}
		]`))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL})
	rows, err := client.List(context.Background(), StatusFailed, 0, 50)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if gotPath != "/requests/" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotQuery != "limit=50&skip=0&status=Failed" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[1].ErrorMessage != "boom" {
		t.Fatalf("expected error message on failed row, got %q", rows[1].ErrorMessage)
	}
}

func TestAdminClientUsesMirrorPathAndBearerToken(t *testing.T) {
	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL, Admin: true, Token: "tok_123"})
	if _, err := client.List(context.Background(), "", 0, 10); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if gotPath != "/admin/requests/" {
		t.Fatalf("expected admin mirror path, got %q", gotPath)
	}
	if gotAuth != "Bearer tok_123" {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}
}

func TestGetDetailNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail": "Request not found"}`))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL})
	_, err := client.GetDetail(context.Background(), 42)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if apiErr.UserMessage() != "Request not found" {
		t.Fatalf("expected server detail as user message, got %q", apiErr.UserMessage())
	}
}

func TestCreateSendsMultipartPromptAndImages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart failed: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if got := r.FormValue("user_prompt"); got != "what does this do" {
			t.Errorf("unexpected user_prompt %q", got)
		}
		files := r.MultipartForm.File["images"]
		if len(files) != 1 || files[0].Filename != "snippet.png" {
			t.Errorf("unexpected images %v", files)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(AnalysisRequest{
			RequestSummary: RequestSummary{ID: 7, Status: StatusQueued},
			UserPrompt:     "what does this do",
		})
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL})
	created, err := client.Create(context.Background(), CreateInput{
		UserPrompt: "what does this do",
		Images:     []ImageUpload{{Filename: "snippet.png", ContentType: "image/png", Data: []byte{0x89, 0x50}}},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.ID != 7 || created.Status != StatusQueued {
		t.Fatalf("unexpected created request %+v", created)
	}
}

func TestUnauthorizedFiresAuthFailureCallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail": "Not authenticated"}`))
	}))
	defer server.Close()

	authFailures := 0
	client := NewClient(ClientOptions{
		BaseURL:       server.URL,
		OnAuthFailure: func() { authFailures++ },
	})
	_, err := client.GetDetail(context.Background(), 1)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if authFailures != 1 {
		t.Fatalf("expected auth failure callback once, got %d", authFailures)
	}
}

func TestValidationErrorCarriesFieldMessages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail": [{"loc": ["body", "user_prompt"], "msg": "ensure this value has at most 10000 characters"}]}`))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL})
	_, err := client.Create(context.Background(), CreateInput{UserPrompt: "x"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if apiErr.Fields["user_prompt"] == "" {
		t.Fatalf("expected field message for user_prompt, got %v", apiErr.Fields)
	}
}

func TestServerErrorAndNetworkErrorKinds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	client := NewClient(ClientOptions{BaseURL: server.URL})
	if err := client.Delete(context.Background(), 1); !errors.Is(err, ErrServer) {
		t.Fatalf("expected ErrServer, got %v", err)
	}
	server.Close()

	// Server is gone now; the same call must surface a network error.
	if err := client.Delete(context.Background(), 1); !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork after shutdown, got %v", err)
	}
}

func TestBatchReportsPartialFailurePerID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Action     string `json:"action"`
			RequestIDs []int  `json:"request_ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode batch request failed: %v", err)
		}
		if req.Action != "delete" || len(req.RequestIDs) != 3 {
			t.Errorf("unexpected batch request %+v", req)
		}
		_, _ = w.Write([]byte(`{
			"message": "Batch delete attempted. 2 requests deleted.",
			"results": {"success": [1, 3], "failed": [{"id": 2, "reason": "Not found"}]}
		}`))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL, Admin: true, Token: "tok"})
	result, err := client.Batch(context.Background(), BatchDelete, []int{1, 2, 3})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(result.Success) != 2 || result.Success[0] != 1 || result.Success[1] != 3 {
		t.Fatalf("unexpected successes %v", result.Success)
	}
	if len(result.Failed) != 1 || result.Failed[0].ID != 2 || result.Failed[0].Reason != "Not found" {
		t.Fatalf("unexpected failures %v", result.Failed)
	}
	if got := result.FailedIDs(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("unexpected failed ids %v", got)
	}
}

func TestRetryHitsRetryEndpoint(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(AnalysisRequest{RequestSummary: RequestSummary{ID: 9, Status: StatusQueued}})
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL, Admin: true, Token: "tok"})
	updated, err := client.Retry(context.Background(), 9)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if gotPath != "/admin/requests/9/retry" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if updated.Status != StatusQueued {
		t.Fatalf("expected retried request to be queued, got %s", updated.Status)
	}
}

func TestPatchMergeSkipsAbsentFields(t *testing.T) {
	row := RequestSummary{ID: 5, Status: StatusProcessing, CreatedAt: "a", UpdatedAt: "b", Filename: "f.png"}
	completed := StatusCompleted
	updatedAt := "c"
	patch := SummaryPatch{ID: 5, Status: &completed, UpdatedAt: &updatedAt}
	patch.ApplyToSummary(&row)
	if row.Status != StatusCompleted || row.UpdatedAt != "c" {
		t.Fatalf("expected patch fields applied, got %+v", row)
	}
	if row.Filename != "f.png" || row.CreatedAt != "a" {
		t.Fatalf("expected absent fields untouched, got %+v", row)
	}
}
