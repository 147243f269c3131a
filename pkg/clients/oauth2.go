package clients

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ajitpratap0/logpipe/pkg/errors"
)

// OAuth2Config enables the client-credentials grant for gateways that sit
// behind an authenticating proxy. An empty TokenURL disables it.
type OAuth2Config struct {
	TokenURL     string   `json:"token_url" yaml:"token_url" mapstructure:"token_url"`
	ClientID     string   `json:"client_id" yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string   `json:"client_secret" yaml:"client_secret" mapstructure:"client_secret"`
	Scopes       []string `json:"scopes" yaml:"scopes" mapstructure:"scopes"`
}

// Enabled reports whether a token endpoint is configured.
func (c OAuth2Config) Enabled() bool { return c.TokenURL != "" }

// Validate checks the configuration.
func (c OAuth2Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.ClientID == "" {
		return errors.New(errors.ErrorTypeConfig, "oauth2 client_id is required when token_url is set")
	}
	return nil
}

// TokenSource returns a caching token source. Tokens are fetched with
// tokenClient when it is non-nil.
func (c OAuth2Config) TokenSource(ctx context.Context, tokenClient *http.Client) oauth2.TokenSource {
	if tokenClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, tokenClient)
	}
	cc := &clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.TokenURL,
		Scopes:       c.Scopes,
	}
	return cc.TokenSource(ctx)
}

// authorize sets the bearer token on req.
func authorize(ts oauth2.TokenSource, req *http.Request) error {
	tok, err := ts.Token()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to obtain oauth2 token")
	}
	tok.SetAuthHeader(req)
	return nil
}
