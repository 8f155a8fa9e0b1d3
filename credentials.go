package reqpipe

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/oauth2"
)

// TokenStore loads the persisted access token. Persistence is the embedding
// application's business.
type TokenStore interface {
	LoadToken() (string, error)
}

// TokenStoreFunc adapts a plain function to the TokenStore interface.
type TokenStoreFunc func() (string, error)

// LoadToken implements TokenStore.
func (f TokenStoreFunc) LoadToken() (string, error) {
	return f()
}

// JWTTokenSource is an oauth2.TokenSource over a TokenStore. When the stored token
// is a JWT its exp claim is read (without verifying the signature, which is the
// server's job) so an expired session fails before reaching the network. Opaque
// tokens are passed through unchanged.
type JWTTokenSource struct {
	store  TokenStore
	parser *jwt.Parser
	leeway time.Duration
	now    func() time.Time
}

// NewJWTTokenSource creates a token source reading from store. leeway treats tokens
// expiring within that margin as already expired.
func NewJWTTokenSource(store TokenStore, leeway time.Duration) *JWTTokenSource {
	return &JWTTokenSource{
		store:  store,
		parser: jwt.NewParser(),
		leeway: leeway,
		now:    time.Now,
	}
}

// Token implements oauth2.TokenSource. It returns ErrNoToken when nothing is
// stored and ErrTokenExpired when the stored JWT has expired.
func (s *JWTTokenSource) Token() (*oauth2.Token, error) {
	raw, err := s.store.LoadToken()
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return nil, ErrNoToken
	}

	tok := &oauth2.Token{AccessToken: raw, TokenType: "Bearer"}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := s.parser.ParseUnverified(raw, claims); err != nil {
		return tok, nil
	}
	if claims.ExpiresAt != nil {
		tok.Expiry = claims.ExpiresAt.Time
		if !s.now().Add(s.leeway).Before(tok.Expiry) {
			return nil, ErrTokenExpired
		}
	}
	return tok, nil
}

// authorizationHeader formats tok for the Authorization header.
func authorizationHeader(tok *oauth2.Token) string {
	return tok.Type() + " " + tok.AccessToken
}
