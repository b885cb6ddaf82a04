package esign

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/marketplane/taxdocs/internal/config"
	"github.com/marketplane/taxdocs/internal/domain"
	"github.com/marketplane/taxdocs/internal/repository"
	"github.com/marketplane/taxdocs/internal/w9"
)

// Service orchestrates the e-signature provider integration: the OAuth2 PKCE
// authorization, envelope lifecycle, and webhook ingestion.
type Service struct {
	provider ProviderClient
	tokens   repository.TokenRepository
	states   StateStore
	w9svc    *w9.Service
	audit    Auditor
	cfg      config.Config
	logger   *zap.Logger
	tracer   trace.Tracer
	nowFn    func() time.Time

	// refreshMu single-flights token refreshes within this process. The
	// conditional repository update covers concurrent replicas.
	refreshMu sync.Mutex
}

// Auditor is the slice of the audit service this package needs.
type Auditor interface {
	Append(ctx context.Context, action domain.AuditAction, actor domain.Actor, target domain.AuditTarget, details map[string]any) *domain.AuditEntry
}

// NewService wires the orchestrator.
func NewService(
	provider ProviderClient,
	tokens repository.TokenRepository,
	states StateStore,
	w9svc *w9.Service,
	audit Auditor,
	cfg config.Config,
	logger *zap.Logger,
) *Service {
	return &Service{
		provider: provider,
		tokens:   tokens,
		states:   states,
		w9svc:    w9svc,
		audit:    audit,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("taxdocs/esign"),
		nowFn:    time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (s *Service) WithNow(nowFn func() time.Time) *Service {
	s.nowFn = nowFn
	return s
}

// Authorization is the admin-facing consent redirect plus the state token
// that ties the eventual callback to this attempt.
type Authorization struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// StartAuthorization begins the PKCE flow: it generates a verifier and state,
// stashes them with a TTL, and returns the provider consent URL.
func (s *Service) StartAuthorization(ctx context.Context, actor domain.Actor) (Authorization, error) {
	ctx, span := s.tracer.Start(ctx, "ESignService.StartAuthorization")
	defer span.End()

	verifier, err := secureRandomString(64)
	if err != nil {
		return Authorization{}, fmt.Errorf("generate code verifier: %w", err)
	}
	state, err := secureRandomString(32)
	if err != nil {
		return Authorization{}, fmt.Errorf("generate state: %w", err)
	}

	entry := domain.PKCEState{State: state, CodeVerifier: verifier, CreatedAt: s.nowFn().UTC()}
	if err := s.states.Put(ctx, entry, s.cfg.StateTTL); err != nil {
		span.RecordError(err)
		return Authorization{}, fmt.Errorf("save pkce state: %w", err)
	}

	query := url.Values{
		"response_type":         {"code"},
		"client_id":             {s.cfg.ESignClientID},
		"redirect_uri":          {s.cfg.ESignRedirectURI},
		"scope":                 {"signature"},
		"state":                 {state},
		"code_challenge":        {pkceChallenge(verifier)},
		"code_challenge_method": {"S256"},
	}

	s.audit.Append(ctx, domain.AuditInitiated, actor, domain.AuditTarget{}, map[string]any{
		"flow": "esign_authorization",
	})
	return Authorization{
		URL:   s.cfg.ESignAuthURL + "?" + query.Encode(),
		State: state,
	}, nil
}

// HandleCallback completes the authorization: it validates the state, trades
// the code for tokens, and persists the grant as the active provider token.
func (s *Service) HandleCallback(ctx context.Context, code, state string) error {
	ctx, span := s.tracer.Start(ctx, "ESignService.HandleCallback")
	defer span.End()

	if code == "" || state == "" {
		return fmt.Errorf("%w: code and state are required", domain.ErrValidation)
	}

	entry, err := s.states.Take(ctx, state)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			return err
		}
		return fmt.Errorf("take pkce state: %w", err)
	}

	grant, err := s.provider.ExchangeCode(ctx, code, entry.CodeVerifier)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("exchange authorization code: %w", err)
	}

	now := s.nowFn().UTC()
	token := domain.ProviderToken{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    tokenExpiry(now, grant.ExpiresIn),
		Status:       domain.TokenActive,
		UpdatedAt:    now,
	}
	if _, err := s.tokens.Save(ctx, token); err != nil {
		return fmt.Errorf("save provider token: %w", err)
	}

	s.logger.Info("e-signature provider authorized", zap.Time("expires_at", token.ExpiresAt))
	return nil
}

// AccessToken returns a usable access token, refreshing transparently when
// the stored one has expired. Returns ErrAuthorizationRequired when no
// recoverable token exists and an operator must re-run the consent flow.
func (s *Service) AccessToken(ctx context.Context) (string, error) {
	token, err := s.tokens.Get(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", domain.ErrAuthorizationRequired
		}
		return "", fmt.Errorf("load provider token: %w", err)
	}

	now := s.nowFn().UTC()
	if token.Usable(now) {
		return token.AccessToken, nil
	}
	if !token.Refreshable() {
		return "", domain.ErrAuthorizationRequired
	}
	return s.refresh(ctx)
}

func (s *Service) refresh(ctx context.Context) (string, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	// Another goroutine may have refreshed while we waited on the lock.
	token, err := s.tokens.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("load provider token: %w", err)
	}
	now := s.nowFn().UTC()
	if token.Usable(now) {
		return token.AccessToken, nil
	}

	grant, err := s.provider.RefreshToken(ctx, token.RefreshToken)
	if err != nil {
		s.logger.Warn("token refresh failed", zap.Error(err))
		if errors.Is(err, domain.ErrUpstream) {
			return "", domain.ErrAuthorizationRequired
		}
		return "", err
	}

	refreshed := domain.ProviderToken{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    tokenExpiry(now, grant.ExpiresIn),
		Status:       domain.TokenActive,
		UpdatedAt:    now,
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = token.RefreshToken
	}

	ok, err := s.tokens.UpdateIfCurrent(ctx, token.AccessToken, refreshed)
	if err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}
	if !ok {
		// A concurrent replica won the refresh. Use its token.
		current, err := s.tokens.Get(ctx)
		if err != nil {
			return "", fmt.Errorf("reload provider token: %w", err)
		}
		return current.AccessToken, nil
	}
	return refreshed.AccessToken, nil
}

// SigningSession is what the affiliate needs to open the embedded ceremony.
type SigningSession struct {
	EnvelopeID string `json:"envelope_id"`
	SigningURL string `json:"signing_url"`
}

// StartSigning creates or reuses a signing envelope for the affiliate and
// returns a fresh embedded signing URL. An in-flight envelope is reused
// without touching the provider's envelope creation endpoint.
func (s *Service) StartSigning(ctx context.Context, signer Signer) (SigningSession, error) {
	ctx, span := s.tracer.Start(ctx, "ESignService.StartSigning")
	defer span.End()

	access, err := s.AccessToken(ctx)
	if err != nil {
		return SigningSession{}, err
	}

	st, err := s.w9svc.EnvelopeState(ctx, signer.AffiliateID)
	if err != nil {
		return SigningSession{}, err
	}
	if st.EnvelopeInFlight() {
		// Signing URLs are short-lived upstream, so a fresh one is minted
		// even on reuse.
		signingURL, err := s.provider.SigningURL(ctx, access, st.EnvelopeID, signer)
		if err != nil {
			span.RecordError(err)
			return SigningSession{}, fmt.Errorf("mint signing url: %w", err)
		}
		return SigningSession{EnvelopeID: st.EnvelopeID, SigningURL: signingURL}, nil
	}

	envelopeID, err := s.provider.CreateEnvelope(ctx, access, signer)
	if err != nil {
		span.RecordError(err)
		return SigningSession{}, fmt.Errorf("create envelope: %w", err)
	}
	if _, err := s.w9svc.AttachEnvelope(ctx, signer.AffiliateID, envelopeID); err != nil {
		return SigningSession{}, err
	}

	signingURL, err := s.provider.SigningURL(ctx, access, envelopeID, signer)
	if err != nil {
		span.RecordError(err)
		return SigningSession{}, fmt.Errorf("mint signing url: %w", err)
	}
	return SigningSession{EnvelopeID: envelopeID, SigningURL: signingURL}, nil
}

// webhookEvent is the provider's notification payload, reduced to the fields
// the subsystem acts on.
type webhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		EnvelopeID string `json:"envelopeId"`
	} `json:"data"`
}

// WebhookResult reports how an incoming event was handled.
type WebhookResult struct {
	EnvelopeID string
	Event      domain.EnvelopeStatus
	Applied    bool
	Status     domain.W9Status
}

// ProcessWebhook verifies and applies a provider event notification. body is
// the raw request payload; signature is the base64 HMAC from the
// X-Webhook-Signature header. Verification runs over the exact raw bytes.
func (s *Service) ProcessWebhook(ctx context.Context, body []byte, signature string) (WebhookResult, error) {
	ctx, span := s.tracer.Start(ctx, "ESignService.ProcessWebhook")
	defer span.End()

	if !s.verifySignature(body, signature) {
		s.audit.Append(ctx, domain.AuditAccessDenied, domain.SystemActor, domain.AuditTarget{}, map[string]any{
			"reason": "webhook signature mismatch",
		})
		return WebhookResult{}, domain.ErrBadSignature
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return WebhookResult{}, fmt.Errorf("%w: malformed webhook payload", domain.ErrValidation)
	}
	if event.Data.EnvelopeID == "" {
		return WebhookResult{}, fmt.Errorf("%w: envelope id missing from payload", domain.ErrValidation)
	}

	status, ok := domain.ParseEnvelopeStatus(strings.TrimPrefix(event.Event, "envelope-"))
	if !ok {
		// Unknown event types are acknowledged without action so the
		// provider stops retrying them.
		s.logger.Debug("ignoring unknown webhook event", zap.String("event", event.Event))
		return WebhookResult{EnvelopeID: event.Data.EnvelopeID}, nil
	}

	var completed *w9.CompletedSigning
	if status == domain.EnvelopeCompleted {
		st, err := s.w9svc.EnvelopeStateByID(ctx, event.Data.EnvelopeID)
		if err != nil {
			span.RecordError(err)
			return WebhookResult{}, err
		}
		// Signing data is pulled from the provider only when the completed
		// transition will actually apply. Redeliveries and stale events stay
		// local, so a replay cannot fail on an upstream call.
		if status.Rank() > st.EnvelopeStatus.Rank() && st.Status != domain.W9Verified {
			completed, err = s.fetchCompletedSigning(ctx, event.Data.EnvelopeID)
			if err != nil {
				span.RecordError(err)
				return WebhookResult{}, err
			}
		}
	}

	st, applied, err := s.w9svc.ApplyEnvelopeEvent(ctx, event.Data.EnvelopeID, status, completed)
	if err != nil {
		return WebhookResult{}, err
	}
	return WebhookResult{
		EnvelopeID: event.Data.EnvelopeID,
		Event:      status,
		Applied:    applied,
		Status:     st.Status,
	}, nil
}

func (s *Service) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.ESignWebhookSecret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// formDataKeys are the tab names the W9 template exposes.
const (
	formKeyTaxIDType    = "tax_id_type"
	formKeyTaxIDLast4   = "tax_id_last4"
	formKeyBusinessName = "business_name"
)

func (s *Service) fetchCompletedSigning(ctx context.Context, envelopeID string) (*w9.CompletedSigning, error) {
	access, err := s.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	form, err := s.provider.EnvelopeFormData(ctx, access, envelopeID)
	if err != nil {
		return nil, fmt.Errorf("fetch envelope form data: %w", err)
	}
	doc, err := s.provider.DownloadDocument(ctx, access, envelopeID)
	if err != nil {
		return nil, fmt.Errorf("download signed document: %w", err)
	}

	return &w9.CompletedSigning{
		TaxIDType:    strings.ToUpper(form[formKeyTaxIDType]),
		TaxIDLast4:   form[formKeyTaxIDLast4],
		BusinessName: form[formKeyBusinessName],
		Document:     doc,
		FileName:     fmt.Sprintf("w9-signed-%s.pdf", envelopeID),
	}, nil
}

// Cancel voids an affiliate's in-flight envelope. The remote void is best
// effort: local state is reset even when the provider call fails, so an
// affiliate is never stuck behind an unreachable provider.
func (s *Service) Cancel(ctx context.Context, actor domain.Actor, affiliateID string) (domain.AffiliateTaxStatus, error) {
	ctx, span := s.tracer.Start(ctx, "ESignService.Cancel")
	defer span.End()

	st, err := s.w9svc.EnvelopeState(ctx, affiliateID)
	if err != nil {
		return domain.AffiliateTaxStatus{}, err
	}
	if !st.EnvelopeInFlight() {
		return domain.AffiliateTaxStatus{}, fmt.Errorf("%w: no signing in progress", domain.ErrNotFound)
	}

	remoteVoided := false
	if access, err := s.AccessToken(ctx); err == nil {
		if err := s.provider.VoidEnvelope(ctx, access, st.EnvelopeID, "Cancelled by administrator"); err != nil {
			s.logger.Warn("remote envelope void failed",
				zap.String("envelope_id", st.EnvelopeID), zap.Error(err))
		} else {
			remoteVoided = true
		}
	} else {
		s.logger.Warn("skipping remote void, no usable token", zap.Error(err))
	}

	envelopeID := st.EnvelopeID
	st, _, err = s.w9svc.ApplyEnvelopeEvent(ctx, envelopeID, domain.EnvelopeVoided, nil)
	if err != nil {
		return domain.AffiliateTaxStatus{}, err
	}

	s.logger.Info("signing envelope voided",
		zap.String("affiliate_id", affiliateID),
		zap.String("envelope_id", envelopeID),
		zap.String("actor_id", actor.ID),
		zap.Bool("remote_voided", remoteVoided))
	return st, nil
}

// secureRandomString returns size random bytes as unpadded base64url, the
// alphabet RFC 7636 permits for verifiers.
func secureRandomString(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
