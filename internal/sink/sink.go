package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/argus-sec/argus/internal/identity"
	"github.com/argus-sec/argus/internal/models"
)

// Scope is the resource scope for log-ingestion tokens.
const Scope = "https://monitor.azure.com/.default"

const apiVersion = "2023-01-01"

// Uploader submits alert batches to the log-ingestion endpoint. The upload
// is a single request identified by the immutable rule id and stream name.
type Uploader struct {
	creds    *identity.Credentials
	tenantID string // the managing tenant that owns the ingestion rule
	endpoint string
	ruleID   string
	stream   string
	client   *http.Client // overrides the credentialed client when set
}

// NewUploader builds a sink adapter.
func NewUploader(creds *identity.Credentials, tenantID, endpoint, ruleID, stream string) *Uploader {
	return &Uploader{
		creds:    creds,
		tenantID: tenantID,
		endpoint: strings.TrimRight(endpoint, "/"),
		ruleID:   ruleID,
		stream:   stream,
	}
}

// WithHTTPClient bypasses credentialed transport, used by tests.
func (u *Uploader) WithHTTPClient(client *http.Client) *Uploader {
	u.client = client
	return u
}

// Upload submits the alert batch. An empty batch is a no-op. Failures
// surface to the orchestrator but do not abort notification.
func (u *Uploader) Upload(ctx context.Context, alerts []models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	payload, err := json.Marshal(alerts)
	if err != nil {
		return fmt.Errorf("failed to encode alert batch: %w", err)
	}

	requestURL := fmt.Sprintf("%s/dataCollectionRules/%s/streams/%s?api-version=%s",
		u.endpoint, u.ruleID, u.stream, apiVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build ingestion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := u.client
	if httpClient == nil {
		httpClient, err = u.creds.ClientFor(ctx, u.tenantID, Scope)
		if err != nil {
			return fmt.Errorf("failed to authorize ingestion: %w", err)
		}
		httpClient.Timeout = 60 * time.Second
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ingestion upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ingestion returned %d: %s", resp.StatusCode, string(body))
	}

	log.Info().Int("alerts", len(alerts)).Str("stream", u.stream).Msg("Alert batch ingested")
	return nil
}
