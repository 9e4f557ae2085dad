package msgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/argus-sec/argus/internal/errors"
	"github.com/argus-sec/argus/internal/identity"
)

const (
	// DefaultScope is the resource scope for Graph client-credential tokens.
	DefaultScope = "https://graph.microsoft.com/.default"

	defaultBaseURL = "https://graph.microsoft.com/v1.0"
	pageSize       = 500
	maxPages       = 40
)

// Client reads sign-in and security-alert events from the Graph API.
// Pagination is internal; callers get the full window in one slice.
// Authentication failures propagate as classified errors so the
// orchestrator can record a tenant status; other failures degrade to an
// empty slice with a logged warning.
type Client struct {
	creds   *identity.Credentials
	baseURL string
	scope   string
	timeout time.Duration
}

// NewClient builds a Graph client over the shared credential cache.
func NewClient(creds *identity.Credentials) *Client {
	return &Client{
		creds:   creds,
		baseURL: defaultBaseURL,
		scope:   DefaultScope,
		timeout: 60 * time.Second,
	}
}

// WithBaseURL overrides the API endpoint, used by tests.
func (c *Client) WithBaseURL(base string) *Client {
	c.baseURL = base
	return c
}

// FetchSignIns returns sign-in events created in [since, now).
func (c *Client) FetchSignIns(ctx context.Context, tenantID string, since time.Time) ([]map[string]any, error) {
	query := url.Values{
		"$filter":  {fmt.Sprintf("createdDateTime ge %s", since.UTC().Format(time.RFC3339))},
		"$orderby": {"createdDateTime"},
		"$top":     {fmt.Sprintf("%d", pageSize)},
	}
	events, err := c.fetchCollection(ctx, "fetch_signins", tenantID, "/auditLogs/signIns", query)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// FetchSecurityAlerts returns security alerts created in [since, now).
func (c *Client) FetchSecurityAlerts(ctx context.Context, tenantID string, since time.Time) ([]map[string]any, error) {
	query := url.Values{
		"$filter":  {fmt.Sprintf("createdDateTime ge %s", since.UTC().Format(time.RFC3339))},
		"$orderby": {"createdDateTime"},
		"$top":     {fmt.Sprintf("%d", pageSize)},
	}
	events, err := c.fetchCollection(ctx, "fetch_security_alerts", tenantID, "/security/alerts_v2", query)
	if err != nil {
		return nil, err
	}
	return events, nil
}

type collectionPage struct {
	Value    []map[string]any `json:"value"`
	NextLink string           `json:"@odata.nextLink"`
}

// fetchCollection walks an OData collection, following nextLink pages.
func (c *Client) fetchCollection(ctx context.Context, op, tenantID, path string, query url.Values) ([]map[string]any, error) {
	httpClient, err := c.creds.ClientFor(ctx, tenantID, c.scope)
	if err != nil {
		return nil, apperrors.Classify(op, tenantID, err)
	}
	httpClient.Timeout = c.timeout

	requestURL := c.baseURL + path + "?" + query.Encode()

	var events []map[string]any
	for page := 0; requestURL != "" && page < maxPages; page++ {
		pageData, err := c.fetchPage(ctx, httpClient, op, tenantID, requestURL)
		if err != nil {
			if apperrors.IsAuthError(err) {
				return nil, err
			}
			// Transient retrieval failure: degrade to what we have so the
			// tenant is not marked failed over a flaky page.
			log.Warn().Err(err).Str("tenantId", tenantID).Str("op", op).Msg("Graph fetch degraded to partial result")
			return events, nil
		}
		events = append(events, pageData.Value...)
		requestURL = pageData.NextLink
	}
	return events, nil
}

func (c *Client) fetchPage(ctx context.Context, httpClient *http.Client, op, tenantID, requestURL string) (*collectionPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("ConsistencyLevel", "eventual")

	resp, err := httpClient.Do(req)
	if err != nil {
		// Token retrieval errors surface here; they carry the identity
		// platform error body for classification.
		if apperrors.IsAuthError(err) {
			return nil, apperrors.Classify(op, tenantID, err)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, apperrors.New(apperrors.ClassPermissionDenied, op, tenantID,
			fmt.Errorf("graph returned %d: %s", resp.StatusCode, truncateBody(body))).
			WithStatusCode(resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("graph returned %d: %s", resp.StatusCode, truncateBody(body))
	}

	var pageData collectionPage
	if err := json.Unmarshal(body, &pageData); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &pageData, nil
}

func truncateBody(body []byte) string {
	const max = 512
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max])
}
