package web

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v3"
)

// TokenVerifier decides whether a bearer token grants access.
type TokenVerifier interface {
	Verify(token string) bool
}

// StaticTokens accepts a fixed set of API tokens.
type StaticTokens struct {
	tokens [][]byte
}

func NewStaticTokens(tokens []string) *StaticTokens {
	s := &StaticTokens{}

	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token != "" {
			s.tokens = append(s.tokens, []byte(token))
		}
	}

	return s
}

// Enabled reports whether any token is configured.
func (s *StaticTokens) Enabled() bool {
	return len(s.tokens) > 0
}

func (s *StaticTokens) Verify(token string) bool {
	candidate := []byte(token)
	match := 0

	for _, known := range s.tokens {
		match |= subtle.ConstantTimeCompare(known, candidate)
	}

	return match == 1
}

// BearerAuth rejects requests without a valid bearer token.
// When queryParam is set, the token may also be passed as that query parameter.
func BearerAuth(verifier TokenVerifier, queryParam string) fiber.Handler {
	return func(c fiber.Ctx) error {
		token := bearerToken(c.Get(fiber.HeaderAuthorization))

		if token == "" && queryParam != "" {
			token = c.Query(queryParam)
		}

		if token == "" || !verifier.Verify(token) {
			return unauthorized(c)
		}

		return c.Next()
	}
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}

	return strings.TrimSpace(token)
}
