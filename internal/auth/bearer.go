package auth

import (
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingBearerToken = errors.New("auth: bearer token required")
	ErrInvalidBearerToken = errors.New("auth: invalid bearer token")
)

// TokenValidator validates an operator token string and returns its subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// BearerValidator extracts and validates Bearer credentials from HTTP
// requests on the admin surface.
type BearerValidator struct {
	tokens TokenValidator
}

// NewBearerValidator constructs a validator around a token validator.
func NewBearerValidator(tokens TokenValidator) (*BearerValidator, error) {
	if tokens == nil {
		return nil, errors.New("auth: token validator required")
	}
	return &BearerValidator{tokens: tokens}, nil
}

// ValidateRequest parses the Authorization header and returns the token's
// subject.
func (v *BearerValidator) ValidateRequest(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingBearerToken
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrMissingBearerToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", ErrMissingBearerToken
	}
	subject, err := v.tokens.ValidateToken(token)
	if err != nil {
		return "", errors.Join(ErrInvalidBearerToken, err)
	}
	return subject, nil
}
