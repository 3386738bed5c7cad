// Package client assembles the library: one Client owns a request executor,
// an OAuth flow and a manifest store, all instance-scoped so multiple
// clients coexist without shared state.
package client

import (
	"context"
	"encoding/json"

	"destigo/internal"
	"destigo/manifest"
	"destigo/oauth"
	"destigo/requester"
	"destigo/utils"
)

// PlatformURL is the base URL for API endpoint calls
const PlatformURL = "https://www.bungie.net/Platform"

// Client talks to the remote content service
type Client struct {
	Requester *requester.Requester
	OAuth     *oauth.Flow
	Manifest  *manifest.Store

	cfg     *internal.Config
	baseURL string
	log     *internal.SecureLogger
}

// New creates a Client from cfg. The configuration is validated and the
// global logger initialized from its logging settings.
func New(cfg *internal.Config) (*Client, error) {
	if cfg == nil {
		cfg = internal.DefaultConfig()
		cfg.LoadFromEnv()
	}
	if err := cfg.ValidateConfig(); err != nil {
		return nil, err
	}
	if err := internal.InitLogger(cfg); err != nil {
		return nil, err
	}
	logger := internal.GetLogger()

	httpClient, err := utils.NewHTTPClientFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	req := requester.New(cfg.APIKey, cfg.Retry, httpClient, logger)
	req.SetUserAgent(cfg.UserAgent)

	c := &Client{
		Requester: req,
		cfg:       cfg,
		baseURL:   PlatformURL,
		log:       logger,
	}
	c.OAuth = oauth.New(cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL, req, logger)
	c.Manifest = manifest.NewStore(cfg.ManifestDir, manifest.MetadataFunc(c.DestinyManifest), httpClient, logger)
	c.Manifest.SetQuiet(cfg.QuietMode)

	return c, nil
}

// SetBaseURL overrides the platform base URL, for mirrors and tests
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// DestinyManifest fetches the current manifest descriptor. It is the
// metadata source the manifest store rides.
func (c *Client) DestinyManifest(ctx context.Context) (json.RawMessage, error) {
	return c.Requester.Execute(ctx, internal.RequestSpec{
		Method: "GET",
		URL:    c.baseURL + "/Destiny2/Manifest/",
		Auth:   internal.AuthContext{Mode: internal.AuthAPIKey},
	})
}

// UpdateManifest makes language's content database current
func (c *Client) UpdateManifest(ctx context.Context, language string) error {
	return c.Manifest.UpdateManifest(ctx, language)
}

// DecodeHash resolves a definition hash against the content database for
// language, downloading the database first when necessary.
func (c *Client) DecodeHash(ctx context.Context, hashID uint32, definition, language string) (json.RawMessage, error) {
	return c.Manifest.DecodeHash(ctx, hashID, definition, language)
}
