package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/eigensurance/internal/auth"
	"github.com/eigensurance/internal/config"
	apperrors "github.com/eigensurance/internal/errors"
	"github.com/eigensurance/internal/logging"
	"github.com/eigensurance/internal/models"
	"github.com/eigensurance/internal/storage"
	"github.com/ethereum/go-ethereum/common"
)

// UserRepository interface for user data operations
type UserRepository interface {
	Upsert(ctx context.Context, address string, lastLogin time.Time) (*models.User, error)
	GetByAddress(ctx context.Context, address string) (*models.User, error)
}

// NonceRepository interface for sign-in nonce operations
type NonceRepository interface {
	Replace(ctx context.Context, nonce *models.Nonce) error
	Consume(ctx context.Context, address, nonce string, now time.Time) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// SessionRevocations records logged-out sessions until they would have expired
type SessionRevocations interface {
	RevokeSession(ctx context.Context, sessionID string, expiresAt time.Time) error
	IsSessionRevoked(ctx context.Context, sessionID string) (bool, error)
}

// AuthService implements wallet sign-in with SIWE messages and signed session tokens
type AuthService struct {
	users       UserRepository
	nonces      NonceRepository
	sessions    *auth.SessionManager
	revocations SessionRevocations
	domain      string
	chainID     int64
	nonceTTL    time.Duration
	now         func() time.Time
}

// NewAuthService creates a new auth service. domain is the host the sign-in
// message must name; an empty domain skips that check.
func NewAuthService(
	users UserRepository,
	nonces NonceRepository,
	sessions *auth.SessionManager,
	revocations SessionRevocations,
	cfg *config.AuthConfig,
	domain string,
) *AuthService {
	return &AuthService{
		users:       users,
		nonces:      nonces,
		sessions:    sessions,
		revocations: revocations,
		domain:      domain,
		chainID:     cfg.ChainID,
		nonceTTL:    cfg.NonceTTL,
		now:         time.Now,
	}
}

// LoginInput is the body of a sign-in request. Message is either the SIWE
// text (as a JSON string) or the message fields as a JSON object.
type LoginInput struct {
	Message   json.RawMessage `json:"message"`
	Signature string          `json:"signature"`
}

// LoginResult is returned after a successful sign-in
type LoginResult struct {
	Token     string       `json:"token"`
	SessionID string       `json:"-"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      *models.User `json:"user"`
}

// IssueNonce creates the sign-in challenge for address, replacing any
// previous one so only the newest nonce can be used.
func (s *AuthService) IssueNonce(ctx context.Context, address string) (*models.Nonce, error) {
	if !common.IsHexAddress(address) {
		return nil, apperrors.NewInvalidAddressError(address)
	}

	value, err := auth.GenerateNonce()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to generate nonce", err)
	}

	now := s.now()
	nonce := &models.Nonce{
		Address:   strings.ToLower(address),
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(s.nonceTTL),
	}
	if err := s.nonces.Replace(ctx, nonce); err != nil {
		return nil, apperrors.NewDatabaseError("store nonce", err)
	}
	return nonce, nil
}

// Login verifies a signed SIWE message, consumes its nonce and opens a session
func (s *AuthService) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	if len(in.Message) == 0 || in.Signature == "" {
		return nil, apperrors.NewInvalidInputError("message and signature are required")
	}

	msg, err := auth.DecodeMessage(in.Message)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("message", err.Error())
	}
	if !auth.IsValidNonce(msg.Nonce) {
		return nil, apperrors.NewInvalidNonceError()
	}

	logger := logging.FromContext(ctx).WithField("address", strings.ToLower(msg.Address))

	if _, err := auth.VerifySignature(msg, in.Signature); err != nil {
		logger.WithError(err).Warn("Sign-in signature rejected")
		return nil, apperrors.NewInvalidSignatureError("signature does not match message address", err)
	}

	now := s.now()
	if err := msg.Validate(now, s.domain, s.chainID); err != nil {
		return nil, apperrors.NewInvalidSignatureError(err.Error(), err)
	}

	address := strings.ToLower(msg.Address)
	if err := s.nonces.Consume(ctx, address, msg.Nonce, now); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewInvalidNonceError()
		}
		return nil, apperrors.NewDatabaseError("consume nonce", err)
	}

	user, err := s.users.Upsert(ctx, address, now)
	if err != nil {
		return nil, apperrors.NewDatabaseError("upsert user", err)
	}

	session, err := s.sessions.Issue(address)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to issue session", err)
	}

	logger.Info("User signed in")
	return &LoginResult{
		Token:     session.Token,
		SessionID: session.ID,
		ExpiresAt: session.ExpiresAt,
		User:      user,
	}, nil
}

// Authenticate verifies a session token and rejects revoked sessions.
// A revocation store failure fails closed.
func (s *AuthService) Authenticate(ctx context.Context, token string) (*auth.SessionClaims, error) {
	if token == "" {
		return nil, apperrors.NewUnauthorizedError("authentication required")
	}
	claims, err := s.sessions.Verify(token)
	if err != nil {
		return nil, apperrors.NewUnauthorizedError("invalid or expired session")
	}

	revoked, err := s.revocations.IsSessionRevoked(ctx, claims.ID)
	if err != nil {
		return nil, apperrors.NewCacheError("check session revocation", err)
	}
	if revoked {
		return nil, apperrors.NewUnauthorizedError("session has been signed out")
	}
	return claims, nil
}

// Logout revokes the session until its natural expiry
func (s *AuthService) Logout(ctx context.Context, claims *auth.SessionClaims) error {
	if claims == nil || claims.ExpiresAt == nil {
		return nil
	}
	if err := s.revocations.RevokeSession(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return apperrors.NewCacheError("revoke session", err)
	}
	logging.FromContext(ctx).WithField("address", claims.Address).Info("User signed out")
	return nil
}

// CurrentUser returns the signed-in user's record
func (s *AuthService) CurrentUser(ctx context.Context, address string) (*models.User, error) {
	user, err := s.users.GetByAddress(ctx, address)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("user", address)
		}
		return nil, apperrors.NewDatabaseError("get user", err)
	}
	return user, nil
}

// PurgeExpiredNonces deletes every nonce past its expiry
func (s *AuthService) PurgeExpiredNonces(ctx context.Context) (int64, error) {
	n, err := s.nonces.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, apperrors.NewDatabaseError("purge nonces", err)
	}
	return n, nil
}
