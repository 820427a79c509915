package local

import (
	"context"
	"errors"
	"sync"

	"github.com/systemcmd0122/toramori/internal/identity"
	"go.uber.org/zap"
)

// Client is one client session against a Directory. It implements
// identity.Provider.
type Client struct {
	dir *Directory

	// notifyMu serializes session changes so listeners observe them in order.
	notifyMu sync.Mutex

	mu        sync.Mutex
	current   *identity.User
	token     string
	listeners map[int]func(*identity.User)
	nextID    int
}

var _ identity.Provider = (*Client)(nil)

// SignInWithPassword implements identity.Provider.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*identity.User, error) {
	acct, err := c.dir.signIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return c.establish(acct)
}

// SignUpWithPassword implements identity.Provider. A successful sign-up also
// signs the new account in.
func (c *Client) SignUpWithPassword(ctx context.Context, email, password string) (*identity.User, error) {
	acct, err := c.dir.signUp(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return c.establish(acct)
}

// SignInWithFederatedCredential implements identity.Provider. token is an
// OAuth2 access token accepted by the configured userinfo endpoint.
func (c *Client) SignInWithFederatedCredential(ctx context.Context, token string) (*identity.User, error) {
	acct, err := c.dir.federated(ctx, token)
	if err != nil {
		return nil, err
	}
	return c.establish(acct)
}

// SignOut implements identity.Provider.
func (c *Client) SignOut(context.Context) error {
	c.set(nil, "")
	return nil
}

// SendVerificationEmail implements identity.Provider.
func (c *Client) SendVerificationEmail(ctx context.Context) error {
	u := c.CurrentSession()
	if u == nil {
		return identity.NewError(identity.CodeNoSession, nil)
	}
	acct, err := c.dir.account(ctx, u.ID)
	if err != nil {
		return err
	}
	if acct.EmailVerified {
		return nil
	}
	_, err = c.dir.sendVerification(ctx, acct)
	return err
}

// UpdateDisplayName implements identity.Provider.
func (c *Client) UpdateDisplayName(ctx context.Context, name string) (*identity.User, error) {
	u := c.CurrentSession()
	if u == nil {
		return nil, identity.NewError(identity.CodeNoSession, nil)
	}
	acct, err := c.dir.setDisplayName(ctx, u.ID, name)
	if err != nil {
		return nil, err
	}
	return c.refresh(acct), nil
}

// Reload re-reads the signed-in account, picking up changes such as a
// confirmed email address.
func (c *Client) Reload(ctx context.Context) (*identity.User, error) {
	u := c.CurrentSession()
	if u == nil {
		return nil, identity.NewError(identity.CodeNoSession, nil)
	}
	acct, err := c.dir.account(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	return c.refresh(acct), nil
}

// Restore signs the client in from a previously issued session token.
func (c *Client) Restore(ctx context.Context, token string) (*identity.User, error) {
	if c.dir.tokens == nil {
		return nil, identity.NewError(identity.CodeInvalidToken, errors.New("session tokens disabled"))
	}
	claims, err := c.dir.tokens.Verify(token)
	if err != nil {
		return nil, identity.NewError(identity.CodeInvalidToken, err)
	}
	acct, err := c.dir.account(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if acct.Disabled {
		return nil, identity.NewError(identity.CodeUserDisabled, nil)
	}
	u := acct.user()
	c.set(u, token)
	return copyUser(u), nil
}

// Token returns the session token of the signed-in account, or "" when signed
// out or when no TokenIssuer is configured.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// CurrentSession implements identity.Provider.
func (c *Client) CurrentSession() *identity.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyUser(c.current)
}

// OnSessionChange implements identity.Provider.
func (c *Client) OnSessionChange(fn func(*identity.User)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Client) establish(acct *account) (*identity.User, error) {
	var token string
	if c.dir.tokens != nil {
		t, err := c.dir.tokens.Issue(acct.ID, acct.Email)
		if err != nil {
			return nil, err
		}
		token = t
	}
	u := acct.user()
	c.set(u, token)
	c.dir.logger.Info("session established",
		zap.String("user_id", acct.ID),
		zap.String("provider", acct.Provider),
	)
	return copyUser(u), nil
}

// refresh replaces the current user while keeping the session token.
func (c *Client) refresh(acct *account) *identity.User {
	u := acct.user()
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	c.set(u, token)
	return copyUser(u)
}

func (c *Client) set(u *identity.User, token string) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	c.current = u
	c.token = token
	fns := make([]func(*identity.User), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(copyUser(u))
	}
}

func copyUser(u *identity.User) *identity.User {
	if u == nil {
		return nil
	}
	cp := *u
	return &cp
}
