package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidState = errors.New("invalid oauth state")
	ErrExpiredState = errors.New("oauth state expired")
)

// StateManager подписывает и проверяет параметр state OAuth-потока.
// Подписанный state связывает callback с арендатором без серверного
// хранения промежуточного состояния.
type StateManager struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

// StateClaims содержимое подписанного state
type StateClaims struct {
	jwt.RegisteredClaims
	TenantID   string `json:"tenant_id"`
	ReturnPath string `json:"return_path,omitempty"`
}

// NewStateManager создает менеджер state
func NewStateManager(secret []byte, ttl time.Duration) *StateManager {
	return &StateManager{
		secret: secret,
		ttl:    ttl,
		issuer: "sheetsync-platform",
	}
}

// Generate создает подписанный state для арендатора
func (m *StateManager) Generate(tenantID, returnPath string) (string, error) {
	now := time.Now()
	claims := StateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Subject:   tenantID,
		},
		TenantID:   tenantID,
		ReturnPath: returnPath,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate проверяет подпись и срок действия state
func (m *StateManager) Validate(state string) (*StateClaims, error) {
	token, err := jwt.ParseWithClaims(state, &StateClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredState
		}
		return nil, ErrInvalidState
	}

	claims, ok := token.Claims.(*StateClaims)
	if !ok || !token.Valid || claims.TenantID == "" {
		return nil, ErrInvalidState
	}

	return claims, nil
}
