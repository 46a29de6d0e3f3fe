package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"matrixci/internal/runtime"
	"matrixci/pkg/api"

	"github.com/google/uuid"
)

// logCapture records every batch posted to the internal log endpoint.
type logCapture struct {
	mu       sync.Mutex
	batches  [][]string
	headers  []http.Header
	paths    []string
	respCode int
}

func (c *logCapture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.AddLogRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.batches = append(c.batches, req.Lines)
		c.headers = append(c.headers, r.Header.Clone())
		c.paths = append(c.paths, r.URL.Path)
		code := c.respCode
		c.mu.Unlock()
		if code == 0 {
			code = http.StatusAccepted
		}
		w.WriteHeader(code)
	}
}

func (c *logCapture) allBatches() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]string(nil), c.batches...)
}

func (c *logCapture) allLines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var lines []string
	for _, b := range c.batches {
		lines = append(lines, b...)
	}
	return lines
}

func newTestShipper(t *testing.T, capture *logCapture, runID uuid.UUID) *logShipper {
	t.Helper()
	srv := httptest.NewServer(capture.handler())
	t.Cleanup(srv.Close)
	return newLogShipper(srv.Client(), srv.URL, "worker-secret", runID, quietLogger())
}

func TestLogShipper_FlushesOnClose(t *testing.T) {
	capture := &logCapture{}
	runID := uuid.New()
	shipper := newTestShipper(t, capture, runID)

	fmt.Fprintf(shipper, "[cpu/test] line one\n")
	fmt.Fprintf(shipper, "[cpu/test] line two\n")
	shipper.Close()

	lines := capture.allLines()
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines shipped, got %d", len(lines))
	}
	if lines[0] != "[cpu/test] line one" || lines[1] != "[cpu/test] line two" {
		t.Errorf("unexpected lines: %v", lines)
	}

	capture.mu.Lock()
	defer capture.mu.Unlock()
	wantPath := fmt.Sprintf("/internal/runs/%s/logs", runID)
	if capture.paths[0] != wantPath {
		t.Errorf("expected path %s, got %s", wantPath, capture.paths[0])
	}
	if got := capture.headers[0].Get("Authorization"); got != "Bearer worker-secret" {
		t.Errorf("expected system secret auth header, got %q", got)
	}
}

func TestLogShipper_FullBatchFlushesImmediately(t *testing.T) {
	capture := &logCapture{}
	shipper := newTestShipper(t, capture, uuid.New())

	for i := 0; i < logBatchSize; i++ {
		fmt.Fprintf(shipper, "line %d\n", i)
	}

	// A full batch must not wait for the flush ticker.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if len(capture.allBatches()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	batches := capture.allBatches()
	if len(batches) == 0 {
		t.Fatal("expected an immediate flush for a full batch")
	}
	if len(batches[0]) != logBatchSize {
		t.Errorf("expected %d lines in first batch, got %d", logBatchSize, len(batches[0]))
	}

	shipper.Close()
}

func TestLogShipper_PartialLineHeldUntilNewline(t *testing.T) {
	capture := &logCapture{}
	shipper := newTestShipper(t, capture, uuid.New())

	shipper.Write([]byte("par"))
	shipper.Write([]byte("tial\n"))
	shipper.Close()

	lines := capture.allLines()
	if len(lines) != 1 || lines[0] != "partial" {
		t.Errorf("expected split writes to form one line, got %v", lines)
	}
}

func TestLogShipper_TrailingLineShippedOnClose(t *testing.T) {
	capture := &logCapture{}
	shipper := newTestShipper(t, capture, uuid.New())

	shipper.Write([]byte("no trailing newline"))
	shipper.Close()

	lines := capture.allLines()
	if len(lines) != 1 || lines[0] != "no trailing newline" {
		t.Errorf("expected the trailing line to ship on close, got %v", lines)
	}
}

func TestLogShipper_StripsNullBytes(t *testing.T) {
	capture := &logCapture{}
	shipper := newTestShipper(t, capture, uuid.New())

	shipper.Write([]byte("bin\x00ary\n"))
	shipper.Close()

	lines := capture.allLines()
	if len(lines) != 1 || lines[0] != "binary" {
		t.Errorf("expected null bytes stripped, got %v", lines)
	}
	if strings.Contains(lines[0], "\x00") {
		t.Error("null byte survived sanitization")
	}
}

func TestLogShipper_ServerErrorDoesNotBlock(t *testing.T) {
	capture := &logCapture{respCode: http.StatusInternalServerError}
	shipper := newTestShipper(t, capture, uuid.New())

	shipper.Write([]byte("dropped line\n"))

	done := make(chan struct{})
	go func() {
		shipper.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a failing log endpoint")
	}
}

func TestLogShipper_CarriesRunnerOutput(t *testing.T) {
	capture := &logCapture{}
	srv := httptest.NewServer(capture.handler())
	defer srv.Close()

	ms := &mockStore{}
	rt := &fakeRuntime{
		ExecFunc: func(ctx context.Context, command string, output io.Writer) (runtime.ExecResult, error) {
			fmt.Fprintf(output, "collecting packages\n")
			return runtime.ExecResult{}, nil
		},
	}
	agent := testAgent(ms, rt, AgentConfig{
		ControllerURL: srv.URL,
		SystemSecret:  "worker-secret",
	}, nil)

	agent.processRun(context.Background(), uuid.New(), payloadFor(t, passingMatrix))

	lines := capture.allLines()
	if len(lines) == 0 {
		t.Fatal("expected phase output to reach the log endpoint")
	}
	found := false
	for _, line := range lines {
		if strings.Contains(line, "[cpu/install] collecting packages") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected prefixed phase output, got %v", lines)
	}
}
