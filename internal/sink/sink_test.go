package sink

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/argus-sec/argus/internal/models"
)

func testAlerts(n int) []models.Alert {
	alerts := make([]models.Alert, n)
	for i := range alerts {
		alerts[i] = models.Alert{
			ID:            "01TEST",
			TimeGenerated: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
			TenantID:      "tenant-1",
			TenantName:    "Contoso",
			RuleName:      "Risky sign-in",
			Severity:      models.SeverityHigh,
			Source:        models.SourceSignIn,
		}
	}
	return alerts
}

func TestUploadEmptyBatchIsNoOp(t *testing.T) {
	t.Parallel()

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	u := NewUploader(nil, "tenant-msp", srv.URL, "dcr-0000", "Custom-SecurityAlerts").
		WithHTTPClient(srv.Client())

	if err := u.Upload(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("empty batch must not reach the endpoint")
	}
}

func TestUploadPostsBatch(t *testing.T) {
	t.Parallel()

	var gotPath, gotQuery string
	var gotBatch []models.Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotBatch); err != nil {
			t.Errorf("invalid payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	u := NewUploader(nil, "tenant-msp", srv.URL+"/", "dcr-0000", "Custom-SecurityAlerts").
		WithHTTPClient(srv.Client())

	if err := u.Upload(context.Background(), testAlerts(3)); err != nil {
		t.Fatal(err)
	}

	if gotPath != "/dataCollectionRules/dcr-0000/streams/Custom-SecurityAlerts" {
		t.Errorf("path = %q", gotPath)
	}
	if !strings.Contains(gotQuery, "api-version=") {
		t.Errorf("query = %q, want api-version", gotQuery)
	}
	if len(gotBatch) != 3 {
		t.Errorf("batch size = %d, want 3", len(gotBatch))
	}
	if gotBatch[0].RuleName != "Risky sign-in" {
		t.Errorf("batch[0] = %+v", gotBatch[0])
	}
}

func TestUploadReportsIngestionFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "stream not found", http.StatusNotFound)
	}))
	defer srv.Close()

	u := NewUploader(nil, "tenant-msp", srv.URL, "dcr-0000", "Custom-SecurityAlerts").
		WithHTTPClient(srv.Client())

	err := u.Upload(context.Background(), testAlerts(1))
	if err == nil {
		t.Fatal("expected an error for a non-2xx response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %v, want status code included", err)
	}
}
