package auth

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"dispatchline/internal/domain"
)

// Tokens verifies HS256 bearer credentials and mints them for development.
type Tokens struct {
	Secret string
	Issuer string
	Now    func() time.Time
}

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
}

func (t Tokens) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Parse validates token and returns its principal. The subject carries the
// numeric actor id and the role claim the actor role.
func (t Tokens) Parse(token string) (Principal, error) {
	if strings.TrimSpace(t.Secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
	}
	if t.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.Issuer))
	}
	c := &claims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, c, func(*jwt.Token) (any, error) {
		return []byte(t.Secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return Principal{}, errors.New("subject must be a numeric actor id")
	}
	role := domain.Role(c.Role)
	if !role.Valid() {
		return Principal{}, errors.New("role claim must be dispatcher or driver")
	}
	return Principal{ActorID: id, Role: role, Name: c.Name}, nil
}

// Mint signs a token for p valid for ttl.
func (t Tokens) Mint(p Principal, ttl time.Duration) (string, error) {
	if strings.TrimSpace(t.Secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if !p.Role.Valid() {
		return "", errors.New("invalid role")
	}
	now := t.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  strconv.FormatInt(p.ActorID, 10),
			Issuer:   t.Issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Role: string(p.Role),
		Name: p.Name,
	}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(t.Secret))
}
