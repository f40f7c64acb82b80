package web

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/credimax/importer/internal/config"
	"github.com/credimax/importer/internal/pipeline"
	"github.com/credimax/importer/internal/remote"
)

type stubStore struct {
	mu       sync.Mutex
	existing map[string]bool
	creates  int
}

func (s *stubStore) CreateRecord(ctx context.Context, kind string, payload map[string]any) (*remote.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	return &remote.Record{ID: "r1"}, nil
}

func (s *stubStore) CheckExisting(ctx context.Context, keys []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, k := range keys {
		if s.existing[k] {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *stubStore) GetByKey(ctx context.Context, key string) (*remote.Record, error) {
	return nil, remote.ErrNotFound
}

func (s *stubStore) UpdateRecord(ctx context.Context, id string, partial map[string]any) (*remote.Record, error) {
	return &remote.Record{ID: id}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:           8080,
			RequestTimeout: 30 * time.Second,
		},
		Import: config.ImportConfig{
			MaxFileSize:          1024 * 1024,
			MaxConcurrentBatches: 3,
			MaxWaitTime:          100 * time.Millisecond,
		},
		Rate: config.RateLimitConfig{Enabled: false},
	}
}

func newTestServer(store remote.Store) *Server {
	service := pipeline.NewService(pipeline.ServiceOptions{
		Store:                store,
		MaxConcurrentBatches: 3,
		MaxWaitTime:          100 * time.Millisecond,
	})
	srv := NewServer(service, testConfig())
	service.SetNotifier(srv.NoticeSink())
	return srv
}

const clientCSV = "id,name,phone,email,address,dob,occupation,status,active,notes\n" +
	"11111111,Juan Perez,5551234567,juan@example.com,,01/01/1990,Carpenter,ACTIVE,yes,\n" +
	"22222222,Ana Maria Gomez,5559876543,ana@example.com,,02/02/1992,Engineer,ACTIVE,yes,\n"

func uploadRequest(t *testing.T, recordType, filename, content string) *http.Request {
	t.Helper()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("type", recordType); err != nil {
		t.Fatal(err)
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/batches", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func startBatch(t *testing.T, srv *Server) pipeline.BatchState {
	t.Helper()

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, uploadRequest(t, "clients", "clients.csv", clientCSV))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body %s", rec.Code, rec.Body.String())
	}

	var state pipeline.BatchState
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatal(err)
	}
	return state
}

func TestUploadAndState(t *testing.T) {
	srv := newTestServer(&stubStore{})

	state := startBatch(t, srv)
	if state.Total != 2 || state.ID == "" {
		t.Errorf("state = %+v", state)
	}

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/batches/"+state.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	var got pipeline.BatchState
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.ID != state.ID || len(got.Pending) != 2 {
		t.Errorf("got = %+v", got)
	}
}

func TestUpload_BadType(t *testing.T) {
	srv := newTestServer(&stubStore{})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, uploadRequest(t, "invoices", "x.csv", clientCSV))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestUpload_UnsupportedExtension(t *testing.T) {
	srv := newTestServer(&stubStore{})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, uploadRequest(t, "clients", "x.txt", clientCSV))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}

	var body errorResponse
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Error.Code != "FILE002" {
		t.Errorf("error code = %s, want FILE002", body.Error.Code)
	}
}

func TestEditField(t *testing.T) {
	srv := newTestServer(&stubStore{})
	state := startBatch(t, srv)

	payload := `{"field":"phone","value":"5550001111"}`
	req := httptest.NewRequest(http.MethodPatch, "/api/batches/"+state.ID+"/rows/1", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var row pipeline.CandidateRecord
	json.Unmarshal(rec.Body.Bytes(), &row)
	if row.Fields["phone"] != "5550001111" {
		t.Errorf("phone = %q", row.Fields["phone"])
	}
}

func TestEditField_UnknownRow(t *testing.T) {
	srv := newTestServer(&stubStore{})
	state := startBatch(t, srv)

	req := httptest.NewRequest(http.MethodPatch, "/api/batches/"+state.ID+"/rows/99",
		strings.NewReader(`{"field":"notes","value":"x"}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestCommit_Clean(t *testing.T) {
	store := &stubStore{}
	srv := newTestServer(store)
	state := startBatch(t, srv)

	req := httptest.NewRequest(http.MethodPost, "/api/batches/"+state.ID+"/commit", strings.NewReader(`{"confirmed":false}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var report pipeline.CommitReport
	json.Unmarshal(rec.Body.Bytes(), &report)
	if len(report.Succeeded) != 2 || !report.BatchComplete {
		t.Errorf("report = %+v", report)
	}
	if store.creates != 2 {
		t.Errorf("creates = %d", store.creates)
	}
}

func TestCommit_ConflictGate(t *testing.T) {
	store := &stubStore{existing: map[string]bool{"11111111": true}}
	srv := newTestServer(store)
	state := startBatch(t, srv)

	req := httptest.NewRequest(http.MethodPost, "/api/batches/"+state.ID+"/commit", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body %s", rec.Code, rec.Body.String())
	}

	var resp confirmationResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.ConfirmationRequired || len(resp.Report.Conflicting) != 1 {
		t.Errorf("resp = %+v", resp)
	}
	if store.creates != 0 {
		t.Errorf("creates = %d before confirmation, want 0", store.creates)
	}

	// Confirming proceeds with the clean subset
	req = httptest.NewRequest(http.MethodPost, "/api/batches/"+state.ID+"/commit", strings.NewReader(`{"confirmed":true}`))
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirmed status = %d, body %s", rec.Code, rec.Body.String())
	}
	if store.creates != 1 {
		t.Errorf("creates = %d after confirmation, want 1", store.creates)
	}
}

func TestCommitRow(t *testing.T) {
	store := &stubStore{}
	srv := newTestServer(store)
	state := startBatch(t, srv)

	req := httptest.NewRequest(http.MethodPost, "/api/batches/"+state.ID+"/rows/2/commit", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var report pipeline.CommitReport
	json.Unmarshal(rec.Body.Bytes(), &report)
	if len(report.Succeeded) != 1 || report.Succeeded[0] != 2 {
		t.Errorf("report = %+v", report)
	}
}

func TestCancel(t *testing.T) {
	srv := newTestServer(&stubStore{})
	state := startBatch(t, srv)

	req := httptest.NewRequest(http.MethodPost, "/api/batches/"+state.ID+"/cancel", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestUnknownBatch(t *testing.T) {
	srv := newTestServer(&stubStore{})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/batches/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	var body errorResponse
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Error.Code != "BAT001" {
		t.Errorf("error code = %s, want BAT001", body.Error.Code)
	}
}

func TestNotificationsDrain(t *testing.T) {
	store := &stubStore{}
	srv := newTestServer(store)
	state := startBatch(t, srv)

	// A commit emits the session summary notice
	req := httptest.NewRequest(http.MethodPost, "/api/batches/"+state.ID+"/commit", nil)
	srv.Router().ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/notifications", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Notices []pipeline.Notice `json:"notices"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Notices) == 0 {
		t.Fatal("expected at least the commit summary notice")
	}

	// Drained: a second read is empty
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/notifications", nil))
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Notices) != 0 {
		t.Errorf("second drain returned %d notices, want 0", len(body.Notices))
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&stubStore{})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(2, time.Minute)

	if !rl.allow("1.2.3.4") || !rl.allow("1.2.3.4") {
		t.Fatal("first two requests should pass")
	}
	if rl.allow("1.2.3.4") {
		t.Error("third request should be limited")
	}
	if !rl.allow("5.6.7.8") {
		t.Error("other visitors have their own bucket")
	}
}
