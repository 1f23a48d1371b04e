package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/vmpilot/internal/config"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(config.RemoteConfig{
		ExecutorURL:     srv.URL + "/",
		Timeout:         5 * time.Second,
		RetryMaxElapsed: 2 * time.Second,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	raw, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(config.RemoteConfig{ExecutorURL: "not a url"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestExecute(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/execute", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		body := decodeBody(t, r)
		assert.Equal(t, []any{"python", "-c", "print(1)"}, body["command"])
		_, _ = io.WriteString(w, `{"status":"success","output":"1\n","error":"","returncode":0,"screen_recording_job_id":"rec-1"}`)
	}))

	res, err := c.Execute(context.Background(), "print(1)")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "1\n", res.Output)
	require.NotNil(t, res.ReturnCode)
	assert.Equal(t, 0, *res.ReturnCode)
	assert.Equal(t, "rec-1", res.RecordingJobID)
	assert.Empty(t, res.ErrorText())
}

func TestStartShell(t *testing.T) {
	t.Run("returns job handle", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/execute_powershell", r.URL.Path)
			assert.Equal(t, "Get-Process", decodeBody(t, r)["command"])
			_, _ = io.WriteString(w, `{"status":"success","job_id":"job-7"}`)
		}))
		start, err := c.StartShell(context.Background(), "Get-Process")
		require.NoError(t, err)
		assert.Equal(t, "job-7", start.JobID)
	})

	t.Run("rejects reply without job id", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"status":"error","message":"No command provided"}`)
		}))
		_, err := c.StartShell(context.Background(), "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "No command provided")
	})
}

func TestShellJobRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/powershell_job/job-1", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"status":"completed","output":"done","error":"","returncode":0}`)
	}))

	st, err := c.ShellJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestShellJobDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := c.ShellJob(context.Background(), "missing")
	require.Error(t, err)
	var se *HTTPStatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestShellInputAndKill(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/powershell_job/j1/input":
			assert.Equal(t, "y", decodeBody(t, r)["input"])
			_, _ = io.WriteString(w, `{"status":"success","message":"Input sent"}`)
		case "/powershell_job/j1/kill":
			_, _ = io.WriteString(w, `{"status":"success","message":"Job killed"}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	ack, err := c.ShellInput(context.Background(), "j1", "y")
	require.NoError(t, err)
	assert.Equal(t, "Input sent", ack.Message)

	ack, err = c.ShellKill(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, "Job killed", ack.Message)
}

func TestFileOperationOmitsUnusedFields(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/file/find_by_name", r.URL.Path)
		body := decodeBody(t, r)
		assert.Equal(t, map[string]any{"path": `C:\Users`, "glob": "*.txt"}, body)
		_, _ = io.WriteString(w, `{"status":"error","message":"Directory not found"}`)
	}))

	res, err := c.File(context.Background(), FileFindByName, FileRequest{Path: `C:\Users`, Glob: "*.txt"})
	require.NoError(t, err)
	assert.Equal(t, "Directory not found", res.ErrorText())
}

func TestScreenshotAndRecording(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/screenshot":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(png)
		case "/job/rec-1":
			_, _ = io.WriteString(w, `{"status":"completed","job_id":"rec-1","screen_recording":"AAAA"}`)
		}
	}))

	data, err := c.Screenshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, png, data)

	rec, err := c.Recording(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "AAAA", rec.Video)
}
