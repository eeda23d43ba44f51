package adapter

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eigensurance/internal/config"
	"github.com/eigensurance/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLlamaParse(t *testing.T, jobStatuses []string) (*LlamaParseClient, *[]byte) {
	t.Helper()
	var uploaded []byte
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/parsing/upload", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer llx-test", r.Header.Get("Authorization"))
		f, _, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		uploaded, _ = io.ReadAll(f)
		w.Write([]byte(`{"id":"job-1","status":"PENDING"}`))
	})
	mux.HandleFunc("/api/parsing/job/job-1", func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&polls, 1)) - 1
		if n >= len(jobStatuses) {
			n = len(jobStatuses) - 1
		}
		w.Write([]byte(`{"id":"job-1","status":"` + jobStatuses[n] + `","error_message":"corrupt file"}`))
	})
	mux.HandleFunc("/api/parsing/job/job-1/result/markdown", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"markdown":"# Policy\n\nDwelling coverage: $250,000"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewLlamaParseClient(&config.PDFConfig{BaseURL: srv.URL, APIKey: "llx-test"}, nil)
	c.poll = retry.PollConfig(time.Millisecond, 2*time.Millisecond, 5)
	return c, &uploaded
}

func TestLlamaParseClient_Parse(t *testing.T) {
	client, uploaded := newTestLlamaParse(t, []string{ParseJobPending, ParseJobPending, ParseJobSuccess})

	md, err := client.Parse(testCtx(t), "policy.pdf", []byte("%PDF-1.7 body"))
	require.NoError(t, err)
	assert.Contains(t, md, "Dwelling coverage")
	assert.Equal(t, "%PDF-1.7 body", string(*uploaded))
}

func TestLlamaParseClient_JobError(t *testing.T) {
	client, _ := newTestLlamaParse(t, []string{ParseJobPending, ParseJobError})

	_, err := client.Parse(testCtx(t), "broken.pdf", []byte("%PDF"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt file")
}

func TestLlamaParseClient_NeverFinishes(t *testing.T) {
	client, _ := newTestLlamaParse(t, []string{ParseJobPending})

	_, err := client.Parse(testCtx(t), "slow.pdf", []byte("%PDF"))
	assert.ErrorIs(t, err, retry.ErrNotReady)
}
