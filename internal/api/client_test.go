package api_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmorton/parcelbatch/constants"
	"github.com/dmorton/parcelbatch/internal/api"
	"github.com/dmorton/parcelbatch/internal/common"
)

func newClient(srv *httptest.Server) *api.Client {
	return api.NewClient(common.APIConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		UserID:  "user-1",
		Timeout: 5 * time.Second,
	}, srv.Client(), nil)
}

func TestSubmitBatch(t *testing.T) {
	var gotMapping, gotAPIKey, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/analyze/batch", r.URL.Path)
		gotAPIKey = r.Header.Get("X-API-Key")
		gotUser = r.Header.Get("X-User-Id")

		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotMapping = r.FormValue("column_mapping")
		assert.Equal(t, "user-1", r.FormValue("user_id"))
		assert.Equal(t, "normal", r.FormValue("priority"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "parcels.csv", header.Filename)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"job": {"job_id": "J1", "status": "queued"}}`))
	}))
	defer srv.Close()

	jobID, err := newClient(srv).SubmitBatch(context.Background(), api.SubmitRequest{
		Filename: "parcels.csv",
		Content:  bytes.NewReader([]byte("lat,lon\n1,2\n")),
		Mapping:  map[string]string{"lat": "PropertyLatitude"},
		Priority: constants.JobPriorityNormal,
	})
	require.NoError(t, err)
	assert.Equal(t, "J1", jobID)
	assert.Equal(t, "test-key", gotAPIKey)
	assert.Equal(t, "user-1", gotUser)
	assert.JSONEq(t, `{"lat": "PropertyLatitude"}`, gotMapping)
}

func TestSubmitBatchPropagatesServerDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail": "Invalid file type. Only CSV or Excel allowed."}`))
	}))
	defer srv.Close()

	_, err := newClient(srv).SubmitBatch(context.Background(), api.SubmitRequest{
		Filename: "parcels.pdf",
		Content:  strings.NewReader("x"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrSubmission)
	assert.Contains(t, err.Error(), "Only CSV or Excel allowed")
}

func TestSubmitBatchWithoutJobID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	_, err := newClient(srv).SubmitBatch(context.Background(), api.SubmitRequest{
		Filename: "parcels.csv",
		Content:  strings.NewReader("lat,lon\n"),
	})
	assert.ErrorIs(t, err, common.ErrSubmission)
}

func TestProgressClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"not found", http.StatusNotFound, `{"detail": "Job not found"}`, common.ErrJobNotFound},
		{"gone", http.StatusGone, ``, common.ErrJobNotFound},
		{"server error", http.StatusInternalServerError, `boom`, common.ErrServerUnavailable},
		{"bad gateway", http.StatusBadGateway, ``, common.ErrServerUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newClient(srv).Progress(context.Background(), "J1")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestProgressTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	_, err := newClient(srv).Progress(context.Background(), "J1")
	assert.ErrorIs(t, err, common.ErrServerUnavailable)
}

func TestProgressSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/batch/progress/J1", r.URL.Path)
		_, _ = w.Write([]byte(`{"job_id": "J1", "status": "processing", "progress": {"current": 4, "total": 10, "failed": 0, "percent": 40}}`))
	}))
	defer srv.Close()

	rep, err := newClient(srv).Progress(context.Background(), "J1")
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusProcessing, rep.Status)
	require.NotNil(t, rep.CompletedRows)
	assert.Equal(t, 4, *rep.CompletedRows)
}

func TestDownload(t *testing.T) {
	const csvBody = "gid,buildable_acres\n1,4.2\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/batch/download/J1", r.URL.Path)
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte(csvBody))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	n, err := newClient(srv).Download(context.Background(), "J1", "", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(csvBody)), n)
	assert.Equal(t, csvBody, buf.String())
}

func TestDownloadNotReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail": "Job is processing, result not ready."}`))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	_, err := newClient(srv).Download(context.Background(), "J1", "", &buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrDownload)
	assert.Contains(t, err.Error(), "result not ready")
}

func TestCancelBestEffort(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		require.Equal(t, "/batch/cancel/J1", r.URL.Path)
		_, _ = w.Write([]byte(`{"status": "cancelled", "job_id": "J1"}`))
	}))
	defer srv.Close()

	require.NoError(t, newClient(srv).Cancel(context.Background(), "J1"))
	assert.True(t, called)
}

func TestListJobs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/batch/jobs", r.URL.Path)
		assert.Equal(t, "user-1", r.URL.Query().Get("user_id"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`[{"job_id": "J1", "filename": "a.csv", "status": "completed", "total_rows": 3, "completed_rows": 3}]`))
	}))
	defer srv.Close()

	jobs, err := newClient(srv).ListJobs(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "J1", jobs[0].JobID)
	assert.Equal(t, 3, jobs[0].TotalRows)
}
