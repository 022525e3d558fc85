// Package auth validates inbound SCIM credentials and issues
// client-credentials access tokens.
package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AuthType labels how a request was authenticated.
type AuthType string

const (
	AuthTypeNone   AuthType = "none"
	AuthTypeBearer AuthType = "bearer"
	AuthTypeJWT    AuthType = "jwt"
)

const issuerName = "scimserver"

// Principal identifies the authenticated caller.
type Principal struct {
	Type AuthType
	// ClientID is set for JWT-authenticated callers (the token subject).
	ClientID string
}

// Authenticator validates the credentials on a request.
type Authenticator interface {
	Authenticate(r *http.Request) (*Principal, error)
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing authorization header")
	}
	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return "", fmt.Errorf("authorization type must be Bearer")
	}
	return header[7:], nil
}

// SharedSecretAuthenticator accepts one static bearer token.
type SharedSecretAuthenticator struct {
	secret string
}

// NewSharedSecret creates a static-token authenticator.
func NewSharedSecret(secret string) *SharedSecretAuthenticator {
	return &SharedSecretAuthenticator{secret: secret}
}

// Authenticate compares the presented token in constant time.
func (a *SharedSecretAuthenticator) Authenticate(r *http.Request) (*Principal, error) {
	token, err := bearerToken(r)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.secret)) != 1 {
		return nil, fmt.Errorf("invalid token")
	}
	return &Principal{Type: AuthTypeBearer}, nil
}

// JWTAuthenticator accepts HS256 tokens issued by this server.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWT creates a signed-token authenticator.
func NewJWT(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

// Authenticate verifies the signature and standard claims and returns the
// token subject as the client id.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (*Principal, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return nil, err
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuerName), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return &Principal{Type: AuthTypeJWT, ClientID: claims.Subject}, nil
}

// MultiAuthenticator accepts a request when any configured method does.
type MultiAuthenticator struct {
	authenticators []Authenticator
}

// NewMulti combines authenticators; nil entries are skipped.
func NewMulti(authenticators ...Authenticator) *MultiAuthenticator {
	kept := make([]Authenticator, 0, len(authenticators))
	for _, a := range authenticators {
		if a != nil {
			kept = append(kept, a)
		}
	}
	return &MultiAuthenticator{authenticators: kept}
}

// Authenticate tries each method in order. With no methods configured the
// request passes unauthenticated.
func (m *MultiAuthenticator) Authenticate(r *http.Request) (*Principal, error) {
	if len(m.authenticators) == 0 {
		return &Principal{Type: AuthTypeNone}, nil
	}
	var lastErr error
	for _, a := range m.authenticators {
		p, err := a.Authenticate(r)
		if err == nil {
			return p, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Issuer validates client credentials and mints HS256 access tokens.
type Issuer struct {
	clientID     string
	clientSecret string
	jwtSecret    []byte
	ttl          time.Duration
}

// NewIssuer creates the token issuer backing the oauth token endpoint.
func NewIssuer(clientID, clientSecret, jwtSecret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{
		clientID:     clientID,
		clientSecret: clientSecret,
		jwtSecret:    []byte(jwtSecret),
		ttl:          ttl,
	}
}

// Enabled reports whether client-credentials issuance is configured.
func (i *Issuer) Enabled() bool {
	return i.clientID != "" && i.clientSecret != "" && len(i.jwtSecret) > 0
}

// ValidateClient checks the presented client credentials in constant time.
func (i *Issuer) ValidateClient(clientID, clientSecret string) bool {
	idOK := subtle.ConstantTimeCompare([]byte(clientID), []byte(i.clientID)) == 1
	secretOK := subtle.ConstantTimeCompare([]byte(clientSecret), []byte(i.clientSecret)) == 1
	return idOK && secretOK
}

// Issue mints a signed token for the client. Returns the compact token and
// its lifetime in seconds.
func (i *Issuer) Issue(clientID string) (string, int64, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuerName,
		Subject:   clientID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		ID:        uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.jwtSecret)
	if err != nil {
		return "", 0, fmt.Errorf("signing token: %w", err)
	}
	return signed, int64(i.ttl.Seconds()), nil
}
