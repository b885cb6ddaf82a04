package esign

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marketplane/taxdocs/internal/config"
	"github.com/marketplane/taxdocs/internal/domain"
)

// TokenGrant is the provider's token endpoint response.
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// Signer identifies the envelope recipient.
type Signer struct {
	AffiliateID string
	Name        string
	Email       string
}

// FormData holds the signed form's structured field values keyed by tab name.
type FormData map[string]string

// ProviderClient is the remote e-signature provider surface. The provider is
// a black box reached over HTTP; implementations must honor context
// cancellation and a request timeout.
type ProviderClient interface {
	ExchangeCode(ctx context.Context, code, verifier string) (TokenGrant, error)
	RefreshToken(ctx context.Context, refreshToken string) (TokenGrant, error)
	CreateEnvelope(ctx context.Context, accessToken string, signer Signer) (string, error)
	SigningURL(ctx context.Context, accessToken, envelopeID string, signer Signer) (string, error)
	EnvelopeFormData(ctx context.Context, accessToken, envelopeID string) (FormData, error)
	DownloadDocument(ctx context.Context, accessToken, envelopeID string) ([]byte, error)
	VoidEnvelope(ctx context.Context, accessToken, envelopeID, reason string) error
}

// HTTPClient implements ProviderClient against a DocuSign-compatible REST API.
type HTTPClient struct {
	cfg  config.Config
	http *http.Client
}

var _ ProviderClient = (*HTTPClient)(nil)

// NewHTTPClient builds the provider client with the configured timeout.
func NewHTTPClient(cfg config.Config) *HTTPClient {
	return &HTTPClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.ESignTimeout},
	}
}

func (c *HTTPClient) ExchangeCode(ctx context.Context, code, verifier string) (TokenGrant, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {c.cfg.ESignRedirectURI},
	}
	return c.tokenRequest(ctx, form)
}

func (c *HTTPClient) RefreshToken(ctx context.Context, refreshToken string) (TokenGrant, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return c.tokenRequest(ctx, form)
}

func (c *HTTPClient) tokenRequest(ctx context.Context, form url.Values) (TokenGrant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ESignTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenGrant{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.ESignClientID, c.cfg.ESignClientSecret)

	var grant TokenGrant
	if err := c.do(req, &grant); err != nil {
		return TokenGrant{}, err
	}
	if grant.AccessToken == "" {
		return TokenGrant{}, fmt.Errorf("%w: empty access token in grant", domain.ErrUpstream)
	}
	return grant, nil
}

// envelopeEvents is the webhook subscription registered with every envelope.
var envelopeEvents = []string{"sent", "delivered", "completed", "declined", "voided"}

func (c *HTTPClient) CreateEnvelope(ctx context.Context, accessToken string, signer Signer) (string, error) {
	events := make([]map[string]string, 0, len(envelopeEvents))
	for _, event := range envelopeEvents {
		events = append(events, map[string]string{"envelopeEventStatusCode": event})
	}
	body := map[string]any{
		"templateId": c.cfg.ESignTemplateID,
		"status":     "sent",
		"templateRoles": []map[string]string{{
			"roleName":     "signer",
			"name":         signer.Name,
			"email":        signer.Email,
			"clientUserId": signer.AffiliateID,
		}},
		"eventNotification": map[string]any{
			"url":            c.cfg.ESignWebhookURL,
			"envelopeEvents": events,
		},
	}

	var resp struct {
		EnvelopeID string `json:"envelopeId"`
	}
	if err := c.accountRequest(ctx, accessToken, http.MethodPost, "/envelopes", body, &resp); err != nil {
		return "", err
	}
	if resp.EnvelopeID == "" {
		return "", fmt.Errorf("%w: envelope id missing from response", domain.ErrUpstream)
	}
	return resp.EnvelopeID, nil
}

func (c *HTTPClient) SigningURL(ctx context.Context, accessToken, envelopeID string, signer Signer) (string, error) {
	body := map[string]string{
		"authenticationMethod": "none",
		"clientUserId":         signer.AffiliateID,
		"userName":             signer.Name,
		"email":                signer.Email,
		"returnUrl":            c.cfg.ESignRedirectURI,
	}
	var resp struct {
		URL string `json:"url"`
	}
	path := fmt.Sprintf("/envelopes/%s/views/recipient", envelopeID)
	if err := c.accountRequest(ctx, accessToken, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", fmt.Errorf("%w: signing url missing from response", domain.ErrUpstream)
	}
	return resp.URL, nil
}

func (c *HTTPClient) EnvelopeFormData(ctx context.Context, accessToken, envelopeID string) (FormData, error) {
	var resp struct {
		FormData []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"formData"`
	}
	path := fmt.Sprintf("/envelopes/%s/form_data", envelopeID)
	if err := c.accountRequest(ctx, accessToken, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	data := make(FormData, len(resp.FormData))
	for _, field := range resp.FormData {
		data[strings.ToLower(strings.TrimSpace(field.Name))] = strings.TrimSpace(field.Value)
	}
	return data, nil
}

func (c *HTTPClient) DownloadDocument(ctx context.Context, accessToken, envelopeID string) ([]byte, error) {
	path := fmt.Sprintf("%s/v2.1/accounts/%s/envelopes/%s/documents/combined",
		c.cfg.ESignBaseURL, c.cfg.ESignAccountID, envelopeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamStatusError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read document: %v", domain.ErrUpstream, err)
	}
	return data, nil
}

func (c *HTTPClient) VoidEnvelope(ctx context.Context, accessToken, envelopeID, reason string) error {
	body := map[string]string{
		"status":       "voided",
		"voidedReason": reason,
	}
	path := fmt.Sprintf("/envelopes/%s", envelopeID)
	return c.accountRequest(ctx, accessToken, http.MethodPut, path, body, nil)
}

// accountRequest issues a JSON request under the account-scoped API root.
func (c *HTTPClient) accountRequest(ctx context.Context, accessToken, method, path string, body, out any) error {
	endpoint := fmt.Sprintf("%s/v2.1/accounts/%s%s", c.cfg.ESignBaseURL, c.cfg.ESignAccountID, path)

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return upstreamStatusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrUpstream, err)
	}
	return nil
}

func upstreamStatusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%w: %s returned %d: %s", domain.ErrUpstream, resp.Request.URL.Path, resp.StatusCode, strings.TrimSpace(string(snippet)))
}

// tokenExpiry converts an expires_in relative lifetime into an absolute
// deadline with a small safety margin.
func tokenExpiry(now time.Time, expiresIn int64) time.Time {
	margin := int64(60)
	if expiresIn > margin {
		expiresIn -= margin
	}
	return now.Add(time.Duration(expiresIn) * time.Second)
}
