package service

import (
	"crypto/ecdsa"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/eigensurance/internal/auth"
	"github.com/eigensurance/internal/config"
	apperrors "github.com/eigensurance/internal/errors"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDomain = "app.eigensurance.xyz"

type authFixture struct {
	svc    *AuthService
	nonces *mockNonceRepository
	users  *mockUserRepository
	key    *ecdsa.PrivateKey
	addr   string
	now    time.Time
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	cache, _ := newTestCache(t)
	f := &authFixture{
		nonces: newMockNonceRepository(),
		users:  newMockUserRepository(),
		key:    key,
		addr:   crypto.PubkeyToAddress(key.PublicKey).Hex(),
		now:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewAuthService(
		f.users,
		f.nonces,
		auth.NewSessionManager("test-secret-at-least-32-bytes-long!!", time.Hour),
		cache,
		&config.AuthConfig{ChainID: 17000, NonceTTL: 10 * time.Minute},
		testDomain,
	)
	f.svc.now = func() time.Time { return f.now }
	return f
}

// signedLogin builds a login request for nonce signed by key
func (f *authFixture) signedLogin(t *testing.T, key *ecdsa.PrivateKey, nonce string) LoginInput {
	t.Helper()
	msg := &auth.SiweMessage{
		Domain:    testDomain,
		Address:   f.addr,
		Statement: "Sign in with Ethereum to EigenSurance.",
		URI:       "https://" + testDomain,
		Version:   "1",
		ChainID:   17000,
		Nonce:     nonce,
		IssuedAt:  f.now,
	}
	text := msg.Prepare()
	sig, err := crypto.Sign(accounts.TextHash([]byte(text)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27

	raw, err := json.Marshal(text)
	require.NoError(t, err)
	return LoginInput{Message: raw, Signature: hexutil.Encode(sig)}
}

func TestAuthService_IssueNonce(t *testing.T) {
	f := newAuthFixture(t)
	ctx := testCtx(t)

	_, err := f.svc.IssueNonce(ctx, "not-an-address")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidAddress))

	nonce, err := f.svc.IssueNonce(ctx, f.addr)
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(f.addr), nonce.Address)
	assert.True(t, auth.IsValidNonce(nonce.Value))
	assert.Equal(t, f.now.Add(10*time.Minute), nonce.ExpiresAt)
}

func TestAuthService_LoginConsumesNonce(t *testing.T) {
	f := newAuthFixture(t)
	ctx := testCtx(t)

	nonce, err := f.svc.IssueNonce(ctx, f.addr)
	require.NoError(t, err)

	in := f.signedLogin(t, f.key, nonce.Value)
	result, err := f.svc.Login(ctx, in)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Token)
	assert.Equal(t, strings.ToLower(f.addr), result.User.Address)

	claims, err := f.svc.Authenticate(ctx, result.Token)
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(f.addr), claims.Address)

	_, err = f.svc.Login(ctx, in)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidNonce), "a nonce must not verify twice")
	assert.Equal(t, 422, apperrors.GetHTTPStatusCode(err))
}

func TestAuthService_OnlyLatestNonceVerifies(t *testing.T) {
	f := newAuthFixture(t)
	ctx := testCtx(t)

	first, err := f.svc.IssueNonce(ctx, f.addr)
	require.NoError(t, err)
	second, err := f.svc.IssueNonce(ctx, f.addr)
	require.NoError(t, err)

	_, err = f.svc.Login(ctx, f.signedLogin(t, f.key, first.Value))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidNonce))

	_, err = f.svc.Login(ctx, f.signedLogin(t, f.key, second.Value))
	assert.NoError(t, err)
}

func TestAuthService_ExpiredNonce(t *testing.T) {
	f := newAuthFixture(t)
	ctx := testCtx(t)

	nonce, err := f.svc.IssueNonce(ctx, f.addr)
	require.NoError(t, err)
	f.now = f.now.Add(11 * time.Minute)

	_, err = f.svc.Login(ctx, f.signedLogin(t, f.key, nonce.Value))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidNonce))

	purged, err := f.svc.PurgeExpiredNonces(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestAuthService_MalformedNonceSkipsStore(t *testing.T) {
	f := newAuthFixture(t)
	ctx := testCtx(t)

	nonce, err := f.svc.IssueNonce(ctx, f.addr)
	require.NoError(t, err)

	for _, bad := range []string{"short1", "bad-nonce!", "nonce with spaces"} {
		_, err = f.svc.Login(ctx, f.signedLogin(t, f.key, bad))
		assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidNonce), bad)
	}
	assert.Zero(t, f.nonces.consumed)

	_, err = f.svc.Login(ctx, f.signedLogin(t, f.key, nonce.Value))
	assert.NoError(t, err)
}

func TestAuthService_WrongSigner(t *testing.T) {
	f := newAuthFixture(t)
	ctx := testCtx(t)

	nonce, err := f.svc.IssueNonce(ctx, f.addr)
	require.NoError(t, err)

	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = f.svc.Login(ctx, f.signedLogin(t, other, nonce.Value))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidSignature))
	assert.Equal(t, 422, apperrors.GetHTTPStatusCode(err))

	// the rejected attempt must not burn the nonce
	_, err = f.svc.Login(ctx, f.signedLogin(t, f.key, nonce.Value))
	assert.NoError(t, err)
}

func TestAuthService_RejectsMissingFields(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.svc.Login(testCtx(t), LoginInput{Signature: "0x00"})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidInput))

	_, err = f.svc.Login(testCtx(t), LoginInput{Message: json.RawMessage(`"garbage"`), Signature: "0x00"})
	assert.True(t, apperrors.IsUserError(err))
}

func TestAuthService_Logout(t *testing.T) {
	f := newAuthFixture(t)
	ctx := testCtx(t)

	nonce, err := f.svc.IssueNonce(ctx, f.addr)
	require.NoError(t, err)

	result, err := f.svc.Login(ctx, f.signedLogin(t, f.key, nonce.Value))
	require.NoError(t, err)

	claims, err := f.svc.Authenticate(ctx, result.Token)
	require.NoError(t, err)
	require.NoError(t, f.svc.Logout(ctx, claims))

	_, err = f.svc.Authenticate(ctx, result.Token)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeUnauthorized))
}

func TestAuthService_Authenticate(t *testing.T) {
	f := newAuthFixture(t)
	ctx := testCtx(t)

	_, err := f.svc.Authenticate(ctx, "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeUnauthorized))

	_, err = f.svc.Authenticate(ctx, "a.b.c")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeUnauthorized))
}

func TestAuthService_RevocationStoreDownFailsClosed(t *testing.T) {
	f := newAuthFixture(t)
	cache, mr := newTestCache(t)
	f.svc.revocations = cache

	session, err := f.svc.sessions.Issue(strings.ToLower(f.addr))
	require.NoError(t, err)

	mr.Close()
	_, err = f.svc.Authenticate(testCtx(t), session.Token)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeCache))
}
