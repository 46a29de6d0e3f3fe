package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"matrixci/pkg/api"

	"github.com/google/uuid"
)

const (
	logBatchSize     = 100         // Max lines per batch
	logFlushInterval = time.Second // Flush at least every second
)

// logShipper is an io.Writer that batches phase output lines and posts
// them to the controller's internal log endpoint. The runner feeds it
// prefixed lines through a PrefixSink; a background goroutine flushes
// full batches immediately and partial ones once per second.
type logShipper struct {
	client *http.Client
	url    string
	secret string
	log    *slog.Logger

	mu    sync.Mutex
	lines []string
	rest  []byte // trailing partial line

	flushNow chan struct{}
	quit     chan struct{}
	stopped  chan struct{}
}

func newLogShipper(client *http.Client, controllerURL, secret string, runID uuid.UUID, log *slog.Logger) *logShipper {
	s := &logShipper{
		client:   client,
		url:      fmt.Sprintf("%s/internal/runs/%s/logs", controllerURL, runID),
		secret:   secret,
		log:      log,
		flushNow: make(chan struct{}, 1),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go s.loop()
	return s
}

// Write splits b into lines and queues them for shipping. Partial lines
// are held back until their newline arrives. Write never fails; a run
// must not abort because log delivery hiccuped.
func (s *logShipper) Write(b []byte) (int, error) {
	s.mu.Lock()
	data := append(s.rest, b...)
	s.rest = nil
	for {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			break
		}
		s.lines = append(s.lines, sanitizeLine(string(data[:nl])))
		data = data[nl+1:]
	}
	if len(data) > 0 {
		s.rest = data
	}
	full := len(s.lines) >= logBatchSize
	s.mu.Unlock()

	if full {
		select {
		case s.flushNow <- struct{}{}:
		default:
			// Already a flush pending
		}
	}
	return len(b), nil
}

// Close flushes everything still buffered, including a trailing line
// without a newline, and stops the background goroutine.
func (s *logShipper) Close() {
	s.mu.Lock()
	if len(s.rest) > 0 {
		s.lines = append(s.lines, sanitizeLine(string(s.rest)))
		s.rest = nil
	}
	s.mu.Unlock()

	close(s.quit)
	<-s.stopped
}

func (s *logShipper) loop() {
	defer close(s.stopped)

	ticker := time.NewTicker(logFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			s.flush()
			return
		case <-ticker.C:
			s.flush()
		case <-s.flushNow:
			s.flush()
		}
	}
}

func (s *logShipper) flush() {
	s.mu.Lock()
	batch := s.lines
	s.lines = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := s.send(batch); err != nil {
		s.log.Warn("failed to ship logs", "lines", len(batch), "error", err)
	}
}

func (s *logShipper) send(lines []string) error {
	reqBody, _ := json.Marshal(api.AddLogRequest{Lines: lines})

	req, err := http.NewRequest(http.MethodPost, s.url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.secret)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("api returned status %d", resp.StatusCode)
	}
	return nil
}

// sanitizeLine strips null bytes (Postgres rejects \x00).
func sanitizeLine(line string) string {
	if strings.Contains(line, "\x00") {
		return strings.ReplaceAll(line, "\x00", "")
	}
	return line
}
