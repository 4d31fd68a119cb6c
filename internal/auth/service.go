package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"ez4u.app/internal/obs"
)

// AttemptLimiter throttles repeated login attempts per key.
type AttemptLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Reset(ctx context.Context, key string) error
}

// ServiceOption configures Service.
type ServiceOption func(*Service) error

// WithAttemptLimiter enables login throttling.
func WithAttemptLimiter(l AttemptLimiter) ServiceOption {
	return func(s *Service) error {
		s.limiter = l
		return nil
	}
}

// WithPasswordParams overrides the argon2 parameters used for new digests and rehashing.
func WithPasswordParams(p PasswordParams) ServiceOption {
	return func(s *Service) error {
		if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 || p.SaltLength == 0 || p.KeyLength == 0 {
			return errors.New("password params must be positive")
		}
		s.params = p
		return nil
	}
}

// Service ties identities, passwords and tokens together.
type Service struct {
	users    UserStore
	resolver *Resolver
	tokens   *TokenService
	limiter  AttemptLimiter
	params   PasswordParams
}

// NewService constructs the authentication service.
func NewService(users UserStore, tokens *TokenService, opts ...ServiceOption) (*Service, error) {
	if users == nil {
		return nil, errors.New("user store is required")
	}
	if tokens == nil {
		return nil, errors.New("token service is required")
	}
	resolver, err := NewResolver(users)
	if err != nil {
		return nil, err
	}
	s := &Service{
		users:    users,
		resolver: resolver,
		tokens:   tokens,
		params:   DefaultPasswordParams,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Resolver exposes the identity resolver.
func (s *Service) Resolver() *Resolver { return s.resolver }

// Tokens exposes the token service.
func (s *Service) Tokens() *TokenService { return s.tokens }

// LoginResult is returned by a successful login.
type LoginResult struct {
	Token     string      `json:"access_token"`
	TokenType string      `json:"token_type"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      UserSummary `json:"user"`
}

// Login authenticates (provider, subject, secret) and issues a token. All credential
// failures, including an inactive account, return ErrUnauthorized.
func (s *Service) Login(ctx context.Context, provider, subject, secret string) (LoginResult, error) {
	provider, subject = NormalizeIdentity(provider, subject)
	if subject == "" || secret == "" {
		obs.ObserveLogin("invalid")
		return LoginResult{}, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}
	key := provider + ":" + subject
	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, key)
		if err != nil {
			return LoginResult{}, fmt.Errorf("login throttle: %w", err)
		}
		if !ok {
			obs.ObserveLogin("throttled")
			return LoginResult{}, ErrTooManyAttempts
		}
	}

	user, ident, err := s.resolver.Authenticate(ctx, provider, subject, secret)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			obs.ObserveLogin("rejected")
		}
		return LoginResult{}, err
	}
	if !user.IsActive {
		obs.ObserveLogin("rejected")
		return LoginResult{}, ErrUnauthorized
	}

	if NeedsRehash(ident.PasswordHash, s.params) {
		if digest, err := HashPasswordWithParams(secret, s.params); err == nil {
			if err := s.users.SetPasswordHash(ctx, ident.ID, digest); err != nil {
				obs.Logger().WithError(err).WithField("user_id", user.ID).Warn("password rehash failed")
			}
		}
	}
	if s.limiter != nil {
		_ = s.limiter.Reset(ctx, key)
	}
	return s.issue(user)
}

// LoginIdentity issues a token for an identity already verified by an external provider.
func (s *Service) LoginIdentity(ctx context.Context, provider, subject string) (LoginResult, error) {
	user, err := s.resolver.Resolve(ctx, provider, subject)
	if errors.Is(err, ErrNotFound) {
		obs.ObserveLogin("rejected")
		return LoginResult{}, ErrUnauthorized
	}
	if err != nil {
		return LoginResult{}, err
	}
	if !user.IsActive {
		obs.ObserveLogin("rejected")
		return LoginResult{}, ErrUnauthorized
	}
	return s.issue(user)
}

func (s *Service) issue(user User) (LoginResult, error) {
	token, exp, err := s.tokens.Issue(user.ID)
	if err != nil {
		return LoginResult{}, err
	}
	obs.ObserveLogin("success")
	return LoginResult{
		Token:     token,
		TokenType: "bearer",
		ExpiresAt: exp,
		User:      user.Summary(),
	}, nil
}

// ValidateToken returns the subject of a valid token or ErrUnauthorized.
func (s *Service) ValidateToken(token string) (string, error) {
	return s.tokens.Validate(token)
}

// CurrentUser resolves the token to an active user. A deleted or deactivated user yields
// ErrUnauthorized, so stale tokens stop working at once.
func (s *Service) CurrentUser(ctx context.Context, token string) (User, error) {
	subject, err := s.tokens.Validate(token)
	if err != nil {
		return User{}, err
	}
	user, err := s.users.GetUser(ctx, subject)
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrUnauthorized
	}
	if err != nil {
		return User{}, err
	}
	if !user.IsActive {
		return User{}, ErrUnauthorized
	}
	return user, nil
}

// ExternalIdentity is an OAuth/OIDC binding supplied when creating a user.
type ExternalIdentity struct {
	Provider string `json:"provider"`
	Subject  string `json:"subject"`
}

// CreateUserRequest describes a new user.
type CreateUserRequest struct {
	Email       string
	DisplayName string
	Password    string
	Inactive    bool
	Identities  []ExternalIdentity
	Membership  *InitialMembership
}

// CreateUser persists a user, its identities and an optional first membership in one
// transaction. A password creates a local identity whose subject is the email.
func (s *Service) CreateUser(ctx context.Context, req CreateUserRequest) (User, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return User{}, err
	}
	rec := NewUserRecord{
		Email:       email,
		DisplayName: strings.TrimSpace(req.DisplayName),
		IsActive:    !req.Inactive,
	}
	if req.Password != "" {
		digest, err := HashPasswordWithParams(req.Password, s.params)
		if err != nil {
			return User{}, err
		}
		rec.Identities = append(rec.Identities, Identity{Provider: ProviderLocal, Subject: email, PasswordHash: digest})
	}
	for _, ext := range req.Identities {
		provider, subject := NormalizeIdentity(ext.Provider, ext.Subject)
		if subject == "" {
			return User{}, fmt.Errorf("%w: identity subject is required", ErrInvalidInput)
		}
		if provider == ProviderLocal {
			return User{}, fmt.Errorf("%w: local identities are created from a password", ErrInvalidInput)
		}
		rec.Identities = append(rec.Identities, Identity{Provider: provider, Subject: subject})
	}
	if len(rec.Identities) == 0 {
		return User{}, fmt.Errorf("%w: a password or an external identity is required", ErrInvalidInput)
	}
	if m := req.Membership; m != nil {
		m.TenantID = strings.TrimSpace(m.TenantID)
		m.RoleID = strings.TrimSpace(m.RoleID)
		if m.TenantID == "" || m.RoleID == "" {
			return User{}, fmt.Errorf("%w: membership requires tenant_id and role_id", ErrInvalidInput)
		}
		rec.Membership = m
	}
	return s.users.CreateUser(ctx, rec)
}

// GetUser returns a user by id.
func (s *Service) GetUser(ctx context.Context, id string) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.users.GetUser(ctx, id)
}

// UpdateUser changes email, display name or the active flag.
func (s *Service) UpdateUser(ctx context.Context, id string, upd UserUpdate) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if upd.Email != nil {
		email, err := normalizeEmail(*upd.Email)
		if err != nil {
			return User{}, err
		}
		upd.Email = &email
	}
	if upd.DisplayName != nil {
		name := strings.TrimSpace(*upd.DisplayName)
		upd.DisplayName = &name
	}
	return s.users.UpdateUser(ctx, id, upd)
}

// DeleteUser removes a user; identities, memberships and grants go with it.
func (s *Service) DeleteUser(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.users.DeleteUser(ctx, id)
}

// LinkIdentity binds an additional external identity to a user.
func (s *Service) LinkIdentity(ctx context.Context, userID, provider, subject string) (Identity, error) {
	userID = strings.TrimSpace(userID)
	provider, subject = NormalizeIdentity(provider, subject)
	if userID == "" || subject == "" {
		return Identity{}, fmt.Errorf("%w: user_id and subject are required", ErrInvalidInput)
	}
	if provider == ProviderLocal {
		return Identity{}, fmt.Errorf("%w: use SetPassword for local identities", ErrInvalidInput)
	}
	return s.users.CreateIdentity(ctx, Identity{UserID: userID, Provider: provider, Subject: subject})
}

// SetPassword replaces the local password of a user, creating the local identity when
// the user only had external ones.
func (s *Service) SetPassword(ctx context.Context, userID, password string) error {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	digest, err := HashPasswordWithParams(password, s.params)
	if err != nil {
		return err
	}
	idents, err := s.users.ListIdentities(ctx, user.ID)
	if err != nil {
		return err
	}
	for _, ident := range idents {
		if ident.Provider == ProviderLocal {
			return s.users.SetPasswordHash(ctx, ident.ID, digest)
		}
	}
	_, err = s.users.CreateIdentity(ctx, Identity{
		UserID:       user.ID,
		Provider:     ProviderLocal,
		Subject:      user.Email,
		PasswordHash: digest,
	})
	return err
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: email is malformed", ErrInvalidInput)
	}
	return email, nil
}
