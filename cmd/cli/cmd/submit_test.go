package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

const submitTestMatrix = `
version: 1
name: unit-suite
phases:
  install: npm ci
  test: npm test
environments:
  - name: cpu
    image: node:20-alpine
`

func resetSubmitFlags(t *testing.T) {
	t.Helper()
	flags := submitCmd.Flags()
	flags.Set("file", "matrix.yaml")
	flags.Set("name", "")
	flags.Set("priority", "50")
	flags.Set("trigger", "false")
}

func execSubmitCommand(t *testing.T, args ...string) string {
	t.Helper()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"submit"}, args...))

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return out.String()
}

func TestSubmitCommand_Success(t *testing.T) {
	resetViper()
	resetSubmitFlags(t)

	var captured map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST method, got %s", r.Method)
		}
		if r.URL.Path != "/matrices" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("expected Bearer token, got: %s", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"matrix_id": "mx-123"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	file := writeMatrixFile(t, submitTestMatrix)
	output := execSubmitCommand(t, "-f", file, "--name", "nightly", "--priority", "75")

	if !strings.Contains(output, "Matrix registered") {
		t.Errorf("expected success message, got: %s", output)
	}
	if !strings.Contains(output, "mx-123") {
		t.Errorf("expected matrix ID in output, got: %s", output)
	}

	if captured["name"] != "nightly" {
		t.Errorf("expected name=nightly, got %v", captured["name"])
	}
	if captured["priority"] != float64(75) {
		t.Errorf("expected priority=75, got %v", captured["priority"])
	}
	definition, _ := captured["definition"].(string)
	if !strings.Contains(definition, "node:20-alpine") {
		t.Errorf("expected raw matrix YAML in definition, got: %v", definition)
	}
}

func TestSubmitCommand_NameDefaultsFromMatrix(t *testing.T) {
	resetViper()
	resetSubmitFlags(t)

	var captured map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"matrix_id": "mx-456"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	file := writeMatrixFile(t, submitTestMatrix)
	execSubmitCommand(t, "-f", file)

	if captured["name"] != "unit-suite" {
		t.Errorf("expected name from the matrix file, got %v", captured["name"])
	}
}

func TestSubmitCommand_MissingToken(t *testing.T) {
	resetViper()
	resetSubmitFlags(t)

	viper.Set("url", "http://localhost:7171")
	viper.Set("token", "")

	file := writeMatrixFile(t, submitTestMatrix)
	output := execSubmitCommand(t, "-f", file)

	if !strings.Contains(output, "API token not found") {
		t.Errorf("expected token error message, got: %s", output)
	}
}

func TestSubmitCommand_InvalidMatrixNotSent(t *testing.T) {
	resetViper()
	resetSubmitFlags(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be called when local validation fails")
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	file := writeMatrixFile(t, `
version: 1
phases:
  test: npm test
environments: []
`)
	output := execSubmitCommand(t, "-f", file)

	if !strings.Contains(output, "at least one environment is required") {
		t.Errorf("expected validation error, got: %s", output)
	}
}

func TestSubmitCommand_WithTrigger(t *testing.T) {
	resetViper()
	resetSubmitFlags(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/matrices":
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]string{"matrix_id": "mx-789"})
		case r.URL.Path == "/matrices/mx-789/runs":
			if r.Method != http.MethodPost {
				t.Errorf("expected POST method, got %s", r.Method)
			}
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{"run_id": "run-1"})
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	file := writeMatrixFile(t, submitTestMatrix)
	output := execSubmitCommand(t, "-f", file, "--trigger")

	if !strings.Contains(output, "mx-789") {
		t.Errorf("expected matrix ID in output, got: %s", output)
	}
	if !strings.Contains(output, "Run started") {
		t.Errorf("expected run message, got: %s", output)
	}
	if !strings.Contains(output, "run-1") {
		t.Errorf("expected run ID in output, got: %s", output)
	}
}

func TestSubmitCommand_ServerError(t *testing.T) {
	resetViper()
	resetSubmitFlags(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	file := writeMatrixFile(t, submitTestMatrix)
	output := execSubmitCommand(t, "-f", file)

	if !strings.Contains(output, "Error (500)") {
		t.Errorf("expected error status in output, got: %s", output)
	}
}

func TestSubmitCommand_UnauthorizedError(t *testing.T) {
	resetViper()
	resetSubmitFlags(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("Invalid token"))
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "invalid-token")

	file := writeMatrixFile(t, submitTestMatrix)
	output := execSubmitCommand(t, "-f", file)

	if !strings.Contains(output, "Error (401)") {
		t.Errorf("expected 401 error in output, got: %s", output)
	}
}
