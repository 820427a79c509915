// Package local implements identity.Provider over the document store.
//
// A Directory owns the shared account state (accounts, password hashes,
// verification tokens, attempt throttling). Each client session gets its own
// Client, which tracks the signed-in account and notifies session listeners.
package local

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/systemcmd0122/toramori/internal/email"
	"github.com/systemcmd0122/toramori/internal/identity"
	"github.com/systemcmd0122/toramori/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the shortest password accepted at sign-up.
const MinPasswordLength = 6

// VerificationTTL is how long an email verification token stays valid.
const VerificationTTL = 24 * time.Hour

var errRejectedCredential = errors.New("credential rejected by provider")

// account is the stored form of a local identity.
type account struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	PasswordHash     string    `json:"passwordHash,omitempty"`
	DisplayName      string    `json:"displayName"`
	EmailVerified    bool      `json:"emailVerified"`
	Disabled         bool      `json:"disabled"`
	Provider         string    `json:"provider"`
	FederatedSubject string    `json:"federatedSubject,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

func (a *account) user() *identity.User {
	return &identity.User{
		ID:            a.ID,
		DisplayName:   a.DisplayName,
		Email:         a.Email,
		EmailVerified: a.EmailVerified,
		Provider:      identity.ProviderKind(a.Provider),
	}
}

type verification struct {
	AccountID string     `json:"accountId"`
	Email     string     `json:"email"`
	ExpiresAt time.Time  `json:"expiresAt"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
}

// Config configures a Directory.
type Config struct {
	Store  store.Store
	Mailer email.Sender
	Tokens *TokenIssuer

	// VerifyBaseURL is the frontend base used to build verification links.
	VerifyBaseURL string

	// UserInfoURL is queried with the federated access token.
	// Defaults to GoogleUserInfoURL.
	UserInfoURL string
	HTTPClient  *http.Client

	// AttemptEvery and AttemptBurst bound sign-in attempts per email.
	// A zero burst disables throttling.
	AttemptEvery time.Duration
	AttemptBurst int

	BcryptCost int
}

// Directory is the shared account service behind every Client.
type Directory struct {
	store    store.Store
	mailer   email.Sender
	tokens   *TokenIssuer
	baseURL  string
	infoURL  string
	http     *http.Client
	attempts *attemptLimiter
	cost     int
	now      func() time.Time
	logger   *zap.Logger
}

// NewDirectory creates a Directory.
func NewDirectory(cfg Config, logger *zap.Logger) *Directory {
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = GoogleUserInfoURL
	}
	if cfg.AttemptEvery == 0 {
		cfg.AttemptEvery = time.Minute
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.Mailer == nil {
		cfg.Mailer = email.NewNoopSender(logger)
	}
	return &Directory{
		store:    cfg.Store,
		mailer:   cfg.Mailer,
		tokens:   cfg.Tokens,
		baseURL:  cfg.VerifyBaseURL,
		infoURL:  cfg.UserInfoURL,
		http:     cfg.HTTPClient,
		attempts: newAttemptLimiter(cfg.AttemptEvery, cfg.AttemptBurst),
		cost:     cfg.BcryptCost,
		now:      time.Now,
		logger:   logger,
	}
}

// NewClient returns a signed-out client bound to the directory.
func (d *Directory) NewClient() *Client {
	return &Client{dir: d, listeners: make(map[int]func(*identity.User))}
}

func (d *Directory) signIn(ctx context.Context, emailAddr, password string) (*account, error) {
	emailAddr, err := normalizeEmail(emailAddr)
	if err != nil {
		return nil, err
	}
	if !d.attempts.allow(emailAddr) {
		return nil, identity.NewError(identity.CodeTooManyRequests, nil)
	}

	acct, err := d.byField(ctx, "email", emailAddr)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, identity.NewError(identity.CodeUserNotFound, nil)
		}
		return nil, err
	}
	if acct.Disabled {
		return nil, identity.NewError(identity.CodeUserDisabled, nil)
	}
	if acct.PasswordHash == "" {
		return nil, identity.NewError(identity.CodeWrongPassword, errors.New("account has no password"))
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return nil, identity.NewError(identity.CodeWrongPassword, nil)
	}
	return acct, nil
}

func (d *Directory) signUp(ctx context.Context, emailAddr, password string) (*account, error) {
	emailAddr, err := normalizeEmail(emailAddr)
	if err != nil {
		return nil, err
	}
	if len([]rune(password)) < MinPasswordLength {
		return nil, identity.NewError(identity.CodeWeakPassword, nil)
	}

	if _, err := d.byField(ctx, "email", emailAddr); err == nil {
		return nil, identity.NewError(identity.CodeEmailInUse, nil)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	acct := &account{
		ID:           uuid.New().String(),
		Email:        emailAddr,
		PasswordHash: string(hash),
		Provider:     string(identity.ProviderPassword),
		CreatedAt:    d.now().UTC(),
	}
	if err := d.store.Set(ctx, store.CollectionAccounts, acct.ID, acct); err != nil {
		return nil, storeError("create account", err)
	}
	d.logger.Info("account created", zap.String("user_id", acct.ID))
	return acct, nil
}

// federated retrieves the account linked to the federated identity, links an
// existing account by email, or creates a new one.
func (d *Directory) federated(ctx context.Context, accessToken string) (*account, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, identity.NewError(identity.CodeInvalidToken, errors.New("empty credential"))
	}
	p, err := fetchUserInfo(ctx, d.http, d.infoURL, accessToken)
	if err != nil {
		if errors.Is(err, errRejectedCredential) {
			return nil, identity.NewError(identity.CodeInvalidToken, err)
		}
		return nil, identity.NewError(identity.CodeNetworkFailure, err)
	}
	subject := p.subject()

	acct, err := d.byField(ctx, "federatedSubject", subject)
	switch {
	case err == nil:
		if acct.Disabled {
			return nil, identity.NewError(identity.CodeUserDisabled, nil)
		}
		return acct, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	emailAddr := strings.ToLower(strings.TrimSpace(p.Email))
	if emailAddr != "" {
		existing, err := d.byField(ctx, "email", emailAddr)
		switch {
		case err == nil:
			if existing.Disabled {
				return nil, identity.NewError(identity.CodeUserDisabled, nil)
			}
			patch := map[string]any{"federatedSubject": subject, "emailVerified": true}
			if err := d.store.Merge(ctx, store.CollectionAccounts, existing.ID, patch); err != nil {
				return nil, storeError("link federated identity", err)
			}
			existing.FederatedSubject = subject
			existing.EmailVerified = true
			return existing, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	acct = &account{
		ID:               uuid.New().String(),
		Email:            emailAddr,
		DisplayName:      strings.TrimSpace(p.Name),
		EmailVerified:    true,
		Provider:         string(identity.ProviderFederated),
		FederatedSubject: subject,
		CreatedAt:        d.now().UTC(),
	}
	if err := d.store.Set(ctx, store.CollectionAccounts, acct.ID, acct); err != nil {
		return nil, storeError("create federated account", err)
	}
	d.logger.Info("federated account created", zap.String("user_id", acct.ID))
	return acct, nil
}

func (d *Directory) account(ctx context.Context, id string) (*account, error) {
	var acct account
	if err := d.store.Get(ctx, store.CollectionAccounts, id, &acct); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, identity.NewError(identity.CodeUserNotFound, nil)
		}
		return nil, storeError("get account", err)
	}
	return &acct, nil
}

func (d *Directory) setDisplayName(ctx context.Context, id, name string) (*account, error) {
	if err := d.store.Merge(ctx, store.CollectionAccounts, id, map[string]any{"displayName": name}); err != nil {
		return nil, storeError("update display name", err)
	}
	return d.account(ctx, id)
}

// SetDisabled enables or disables an account. Disabled accounts cannot sign in.
func (d *Directory) SetDisabled(ctx context.Context, id string, disabled bool) error {
	if _, err := d.account(ctx, id); err != nil {
		return err
	}
	if err := d.store.Merge(ctx, store.CollectionAccounts, id, map[string]any{"disabled": disabled}); err != nil {
		return storeError("set disabled", err)
	}
	return nil
}

// sendVerification persists a fresh token and mails the link. It returns the
// raw token.
func (d *Directory) sendVerification(ctx context.Context, acct *account) (string, error) {
	if acct.Email == "" {
		return "", identity.NewError(identity.CodeInvalidEmail, errors.New("account has no email"))
	}
	token, err := generateSecureToken(32)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	rec := verification{
		AccountID: acct.ID,
		Email:     acct.Email,
		ExpiresAt: d.now().UTC().Add(VerificationTTL),
	}
	if err := d.store.Set(ctx, store.CollectionEmailVerifications, token, rec); err != nil {
		return "", storeError("persist verification token", err)
	}
	body := email.VerificationBody(d.baseURL, token)
	if err := d.mailer.Send(ctx, acct.Email, email.VerificationSubject, body); err != nil {
		return token, identity.NewError(identity.CodeNetworkFailure, fmt.Errorf("send verification email: %w", err))
	}
	return token, nil
}

// ConfirmEmail consumes a verification token and marks the account's email as
// verified. Expired, used and unknown tokens are rejected with
// identity.CodeInvalidToken.
func (d *Directory) ConfirmEmail(ctx context.Context, token string) error {
	var rec verification
	if err := d.store.Get(ctx, store.CollectionEmailVerifications, token, &rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return identity.NewError(identity.CodeInvalidToken, errors.New("unknown verification token"))
		}
		return storeError("get verification token", err)
	}
	now := d.now().UTC()
	if rec.UsedAt != nil || !now.Before(rec.ExpiresAt) {
		return identity.NewError(identity.CodeInvalidToken, errors.New("verification token expired or used"))
	}
	if err := d.store.Merge(ctx, store.CollectionAccounts, rec.AccountID, map[string]any{"emailVerified": true}); err != nil {
		return storeError("mark email verified", err)
	}
	if err := d.store.Merge(ctx, store.CollectionEmailVerifications, token, map[string]any{"usedAt": now}); err != nil {
		return storeError("consume verification token", err)
	}
	d.logger.Info("email verified", zap.String("user_id", rec.AccountID))
	return nil
}

func (d *Directory) byField(ctx context.Context, field, value string) (*account, error) {
	snaps, err := d.store.Query(ctx, store.CollectionAccounts, store.Query{
		Where: []store.Filter{store.Where(field, value)},
		Limit: 1,
	})
	if err != nil {
		return nil, storeError("query accounts", err)
	}
	if len(snaps) == 0 {
		return nil, store.ErrNotFound
	}
	var acct account
	if err := snaps[0].Decode(&acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

func normalizeEmail(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s || !strings.Contains(s[strings.LastIndex(s, "@")+1:], ".") {
		return "", identity.NewError(identity.CodeInvalidEmail, err)
	}
	return s, nil
}

func storeError(op string, err error) error {
	if errors.Is(err, store.ErrUnavailable) {
		return identity.NewError(identity.CodeNetworkFailure, fmt.Errorf("%s: %w", op, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

func generateSecureToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
