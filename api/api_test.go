package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/reelworks/renderq/artifact"
	artifactfs "github.com/reelworks/renderq/artifact/fs"
	"github.com/reelworks/renderq/ext"
	"github.com/reelworks/renderq/id"
	"github.com/reelworks/renderq/metrics"
	"github.com/reelworks/renderq/service"
	"github.com/reelworks/renderq/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var b bytes.Buffer
	if err := png.Encode(&b, image.NewRGBA(image.Rect(0, 0, 1, 1))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return b.Bytes()
}

type fixture struct {
	handler   http.Handler
	store     *memory.Store
	artifacts artifact.Store
	registry  *metrics.Registry
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	store := memory.New()
	artifacts, err := artifactfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}

	registry := metrics.NewRegistry()
	extensions := ext.NewRegistry(discardLogger())
	extensions.Register(ext.NewMetricsExtension(registry))

	svc := service.New(store, artifacts, extensions, discardLogger())
	server := NewServer(svc, store, registry, discardLogger(), opts...)

	return &fixture{
		handler:   server.Handler(),
		store:     store,
		artifacts: artifacts,
		registry:  registry,
	}
}

func multipartImage(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &body, w.FormDataContentType()
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) submit(t *testing.T) string {
	t.Helper()

	body, ct := multipartImage(t, "image", "cat.png", pngBytes(t))
	rec := f.do(t, http.MethodPost, "/generate", body, ct)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "queued" {
		t.Fatalf("got status %q, want queued", resp.Status)
	}
	if resp.TaskID == "" {
		t.Fatal("empty task id")
	}
	return resp.TaskID
}

func TestGenerate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	taskID := f.submit(t)

	jobID, err := id.ParseJobID(taskID)
	if err != nil {
		t.Fatalf("task id %q is not a job id: %v", taskID, err)
	}
	if _, err := f.store.GetJob(context.Background(), jobID); err != nil {
		t.Fatalf("submitted job not in store: %v", err)
	}
}

func TestGenerateRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		field string
		data  []byte
		want  int
	}{
		{"missing file field", "wrong_field", []byte("x"), http.StatusBadRequest},
		{"not an image", "image", []byte("not pixels"), http.StatusBadRequest},
		{"empty payload", "image", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			body, ct := multipartImage(t, tt.field, "cat.png", tt.data)
			rec := f.do(t, http.MethodPost, "/generate", body, ct)
			if rec.Code != tt.want {
				t.Fatalf("got %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestGenerateRateLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithSubmitRateLimit(rate.Limit(0.001), 1))

	f.submit(t)

	body, ct := multipartImage(t, "image", "cat.png", pngBytes(t))
	rec := f.do(t, http.MethodPost, "/generate", body, ct)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("got %d, want 429", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	taskID := f.submit(t)

	rec := f.do(t, http.MethodGet, "/status/"+taskID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TaskID != taskID || resp.Status != "queued" {
		t.Fatalf("got %+v", resp)
	}
}

func TestStatusNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, path := range []string{
		"/status/" + id.NewJobID().String(),
		"/status/not-a-task-id",
	} {
		rec := f.do(t, http.MethodGet, path, nil, "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: got %d, want 404", path, rec.Code)
		}
	}
}

func TestStatusFailedIncludesError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	taskID := f.submit(t)
	failJob(t, f, taskID)

	rec := f.do(t, http.MethodGet, "/status/"+taskID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}

	var resp struct {
		Status string `json:"status"`
		Error  struct {
			Cause string `json:"cause"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "failed" || resp.Error.Cause != "generate" {
		t.Fatalf("got %+v", resp)
	}
}

func TestResults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	video := []byte("mp4 bytes")

	taskID := f.submit(t)

	// Queued job: 409.
	rec := f.do(t, http.MethodGet, "/results/"+taskID, nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("queued: got %d, want 409", rec.Code)
	}

	// Unknown job: 404.
	rec = f.do(t, http.MethodGet, "/results/"+id.NewJobID().String(), nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown: got %d, want 404", rec.Code)
	}

	// Finish the job and fetch the video.
	jobID, err := id.ParseJobID(taskID)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	j, err := f.store.DequeueJob(ctx, "video-tasks", id.NewWorkerID())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	ref := artifact.ResultRef(jobID)
	if err := f.artifacts.Put(ctx, ref, video); err != nil {
		t.Fatalf("put result: %v", err)
	}
	if err := j.Finish(ref, time.Now().UTC()); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := f.store.UpdateJob(ctx, j); err != nil {
		t.Fatalf("update: %v", err)
	}

	rec = f.do(t, http.MethodGet, "/results/"+taskID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("finished: got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp4" {
		t.Fatalf("got content type %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "generated_video.mp4") {
		t.Fatalf("got content disposition %q", cd)
	}
	if !bytes.Equal(rec.Body.Bytes(), video) {
		t.Fatalf("got body %q", rec.Body.Bytes())
	}
}

func TestResultsFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	taskID := f.submit(t)
	failJob(t, f, taskID)

	rec := f.do(t, http.MethodGet, "/results/"+taskID, nil, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("got %d, want 422: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Cause string `json:"cause"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Cause != "generate" {
		t.Fatalf("got cause %q", resp.Cause)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("got body %q", rec.Body.String())
	}
}

func TestHealthUnhealthyStore(t *testing.T) {
	t.Parallel()

	store := memory.New()
	artifacts, err := artifactfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	extensions := ext.NewRegistry(discardLogger())
	svc := service.New(store, artifacts, extensions, discardLogger())
	server := NewServer(svc, failingStorer{}, metrics.NewRegistry(), discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d, want 503", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.submit(t)

	rec := f.do(t, http.MethodGet, "/metrics", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("got content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "jobs_submitted_total 1") {
		t.Fatalf("exposition missing submitted counter:\n%s", rec.Body.String())
	}
}

// failJob drives a submitted task to the failed state.
func failJob(t *testing.T, f *fixture, taskID string) {
	t.Helper()
	ctx := context.Background()

	j, err := f.store.DequeueJob(ctx, "video-tasks", id.NewWorkerID())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if j.ID.String() != taskID {
		t.Fatalf("dequeued %s, want %s", j.ID, taskID)
	}
	if err := j.Fail("generate", "pipeline exited 1", time.Now().UTC()); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := f.store.UpdateJob(ctx, j); err != nil {
		t.Fatalf("update: %v", err)
	}
}

type failingStorer struct{}

func (failingStorer) Ping(context.Context) error  { return errors.New("redis unreachable") }
func (failingStorer) Close(context.Context) error { return nil }
