package mgmtapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/argus-sec/argus/internal/errors"
	"github.com/argus-sec/argus/internal/identity"
)

const (
	// DefaultScope is the resource scope for Management Activity API tokens.
	DefaultScope = "https://manage.office.com/.default"

	defaultBaseURL = "https://manage.office.com/api/v1.0"
	maxPages       = 40
)

// ContentTypes are the audit feeds polled per tenant.
var ContentTypes = []string{
	"Audit.AzureActiveDirectory",
	"Audit.Exchange",
	"Audit.SharePoint",
	"Audit.General",
}

// Client reads audit-activity events from the Management Activity API.
// Each content type requires an idempotent subscription bootstrap; a
// "tenant does not exist" reply there means unified audit logging is
// disabled for the tenant and only the audit fetch is skipped.
type Client struct {
	creds   *identity.Credentials
	baseURL string
	scope   string
	timeout time.Duration
}

// NewClient builds a Management Activity API client.
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
	c.baseURL = strings.TrimRight(base, "/")
	return c
}

// FetchAuditEvents returns audit records produced in [since, now) across
// all content types. Subscriptions are started on demand; transient
// content-retrieval failures degrade to what was fetched so far.
func (c *Client) FetchAuditEvents(ctx context.Context, tenantID string, since, now time.Time) ([]map[string]any, error) {
	httpClient, err := c.creds.ClientFor(ctx, tenantID, c.scope)
	if err != nil {
		return nil, apperrors.Classify("fetch_audit", tenantID, err)
	}
	httpClient.Timeout = c.timeout

	var events []map[string]any
	for _, contentType := range ContentTypes {
		if err := c.startSubscription(ctx, httpClient, tenantID, contentType); err != nil {
			return nil, err
		}

		blobs, err := c.listContent(ctx, httpClient, tenantID, contentType, since, now)
		if err != nil {
			if apperrors.IsAuthError(err) {
				return nil, err
			}
			log.Warn().Err(err).Str("tenantId", tenantID).Str("contentType", contentType).
				Msg("Audit content listing degraded to partial result")
			continue
		}

		for _, blob := range blobs {
			records, err := c.fetchContent(ctx, httpClient, blob.ContentURI)
			if err != nil {
				log.Warn().Err(err).Str("tenantId", tenantID).Str("contentUri", blob.ContentURI).
					Msg("Audit content blob skipped")
				continue
			}
			events = append(events, records...)
		}
	}
	return events, nil
}

// startSubscription enables the audit feed for one content type. Already
// enabled is success. A tenant-does-not-exist reply here means audit
// logging is off for the tenant.
func (c *Client) startSubscription(ctx context.Context, httpClient *http.Client, tenantID, contentType string) error {
	endpoint := fmt.Sprintf("%s/%s/activity/feed/subscriptions/start?contentType=%s",
		c.baseURL, tenantID, url.QueryEscape(contentType))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build subscription request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		if apperrors.IsAuthError(err) {
			return apperrors.Classify("start_subscription", tenantID, err)
		}
		return fmt.Errorf("subscription start failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := string(body)
	switch {
	case strings.Contains(msg, "AF20024"): // subscription already enabled
		return nil
	case strings.Contains(msg, "AF20023"), strings.Contains(strings.ToLower(msg), "tenant") && strings.Contains(strings.ToLower(msg), "does not exist"):
		return apperrors.New(apperrors.ClassAuditLogDisabled, "start_subscription", tenantID,
			fmt.Errorf("audit subscription rejected: %s", msg)).WithStatusCode(resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.New(apperrors.ClassPermissionDenied, "start_subscription", tenantID,
			fmt.Errorf("subscription start returned %d: %s", resp.StatusCode, msg)).WithStatusCode(resp.StatusCode)
	default:
		return fmt.Errorf("subscription start returned %d: %s", resp.StatusCode, msg)
	}
}

type contentBlob struct {
	ContentURI string `json:"contentUri"`
}

// listContent enumerates available content blobs for the window, following
// NextPageUri headers.
func (c *Client) listContent(ctx context.Context, httpClient *http.Client, tenantID, contentType string, since, now time.Time) ([]contentBlob, error) {
	const timeLayout = "2006-01-02T15:04:05"
	query := url.Values{
		"contentType": {contentType},
		"startTime":   {since.UTC().Format(timeLayout)},
		"endTime":     {now.UTC().Format(timeLayout)},
	}
	requestURL := fmt.Sprintf("%s/%s/activity/feed/subscriptions/content?%s", c.baseURL, tenantID, query.Encode())

	var blobs []contentBlob
	for page := 0; requestURL != "" && page < maxPages; page++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build content listing request: %w", err)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			if apperrors.IsAuthError(err) {
				return nil, apperrors.Classify("list_content", tenantID, err)
			}
			return nil, fmt.Errorf("content listing failed: %w", err)
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		nextPage := resp.Header.Get("NextPageUri")
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("failed to read content listing: %w", readErr)
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, apperrors.New(apperrors.ClassPermissionDenied, "list_content", tenantID,
				fmt.Errorf("content listing returned %d: %s", resp.StatusCode, string(body))).
				WithStatusCode(resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("content listing returned %d: %s", resp.StatusCode, string(body))
		}

		var pageBlobs []contentBlob
		if err := json.Unmarshal(body, &pageBlobs); err != nil {
			return nil, fmt.Errorf("failed to decode content listing: %w", err)
		}
		blobs = append(blobs, pageBlobs...)
		requestURL = nextPage
	}
	return blobs, nil
}

// fetchContent retrieves one content blob's audit records.
func (c *Client) fetchContent(ctx context.Context, httpClient *http.Client, contentURI string) ([]map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, contentURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build content request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("content fetch failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("content fetch returned %d", resp.StatusCode)
	}

	var records []map[string]any
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("failed to decode content: %w", err)
	}
	return records, nil
}
