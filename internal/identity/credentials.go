package identity

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Credentials caches one client-credential token source per
// (tenant, resource) pair so connection setup is amortized across runs.
// It is an explicit dependency handed to the orchestrator; there is no
// process-global state.
type Credentials struct {
	clientID      string
	clientSecret  string
	assertionFile string
	authorityHost string

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewCredentials builds a credential cache. When clientSecret is empty an
// identity-federation assertion read from assertionFile is presented
// instead.
func NewCredentials(clientID, clientSecret, assertionFile string) *Credentials {
	return &Credentials{
		clientID:      clientID,
		clientSecret:  clientSecret,
		assertionFile: assertionFile,
		authorityHost: "https://login.microsoftonline.com",
		sources:       make(map[string]oauth2.TokenSource),
	}
}

// WithAuthorityHost overrides the token authority, used by tests.
func (c *Credentials) WithAuthorityHost(host string) *Credentials {
	c.authorityHost = strings.TrimRight(host, "/")
	return c
}

// ClientFor returns an HTTP client that authenticates as the application in
// the given tenant for the given resource scope (e.g.
// "https://graph.microsoft.com/.default"). Token sources are cached and
// refresh themselves.
func (c *Credentials) ClientFor(ctx context.Context, tenantID, scope string) (*http.Client, error) {
	source, err := c.tokenSource(ctx, tenantID, scope)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, source), nil
}

func (c *Credentials) tokenSource(ctx context.Context, tenantID, scope string) (oauth2.TokenSource, error) {
	key := tenantID + "|" + scope

	c.mu.Lock()
	defer c.mu.Unlock()

	if source, ok := c.sources[key]; ok {
		return source, nil
	}

	conf := &clientcredentials.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", c.authorityHost, tenantID),
		Scopes:       []string{scope},
	}

	if c.clientSecret == "" {
		assertion, err := c.readAssertion()
		if err != nil {
			return nil, err
		}
		conf.EndpointParams = url.Values{
			"client_assertion_type": {clientAssertionType},
			"client_assertion":      {assertion},
		}
	}

	// The background context keeps the cached source usable beyond the
	// lifetime of the run that created it.
	source := conf.TokenSource(context.Background())
	c.sources[key] = source
	return source, nil
}

func (c *Credentials) readAssertion() (string, error) {
	if c.assertionFile == "" {
		return "", fmt.Errorf("no client secret and no assertion file configured")
	}
	data, err := os.ReadFile(c.assertionFile)
	if err != nil {
		return "", fmt.Errorf("failed to read client assertion: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
