package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const RoleAdmin = "admin"

var ErrInvalidToken = errors.New("auth: invalid session token")

type SessionClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// SessionManager mints and parses the admin session JWT. HS256 with a
// dedicated secret; revocation lives in the denylist, not here.
type SessionManager struct {
	secret   []byte
	duration time.Duration
	now      func() time.Time
}

func NewSessionManager(secret []byte, duration time.Duration) (*SessionManager, error) {
	if len(secret) < 32 {
		return nil, errors.New("auth: session secret must be at least 32 bytes")
	}
	if duration < time.Minute {
		return nil, errors.New("auth: session duration must be at least 1 minute")
	}
	sc := make([]byte, len(secret))
	copy(sc, secret)
	return &SessionManager{secret: sc, duration: duration, now: time.Now}, nil
}

// SetClock overrides the time source. Test hook only.
func (m *SessionManager) SetClock(now func() time.Time) { m.now = now }

func (m *SessionManager) Duration() time.Duration { return m.duration }

func (m *SessionManager) Mint(username string) (string, *SessionClaims, error) {
	now := m.now()
	claims := &SessionClaims{
		Username: username,
		Role:     RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.duration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", nil, errors.Wrap(err, "auth: sign session token")
	}
	return signed, claims, nil
}

func (m *SessionManager) Parse(tokenStr string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return m.now() }))
	if err != nil {
		return nil, errors.Wrap(err, "auth: parse session token")
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	if claims.Role != RoleAdmin || claims.ID == "" || claims.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
