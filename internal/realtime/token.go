package realtime

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Operation право клиента на канал
type Operation string

const (
	OpSubscribe Operation = "subscribe"
	OpPresence  Operation = "presence"
	OpHistory   Operation = "history"
	OpPublish   Operation = "publish"
)

// ClientOperations права, выдаваемые клиентам чата. Публикация только серверная.
var ClientOperations = []Operation{OpSubscribe, OpPresence, OpHistory}

const DefaultTokenTTL = time.Hour

var (
	ErrTokenExpired      = errors.New("realtime: token expired")
	ErrInvalidToken      = errors.New("realtime: invalid token")
	ErrEmptyClientID     = errors.New("realtime: client id is required")
	ErrNilCapability     = errors.New("realtime: capability is required")
	ErrPublishCapability = errors.New("realtime: clients cannot be granted publish")
)

// Capability права по шаблонам каналов. Шаблон может заканчиваться на "*".
type Capability map[string][]Operation

// Allows проверяет право op на канал
func (c Capability) Allows(channel string, op Operation) bool {
	for pattern, ops := range c {
		if matchChannel(pattern, channel) && slices.Contains(ops, op) {
			return true
		}
	}
	return false
}

func matchChannel(pattern, channel string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(channel, prefix)
	}
	return pattern == channel
}

// TokenClaims полезная нагрузка realtime токена
type TokenClaims struct {
	ClientID   string     `json:"client_id"`
	Capability Capability `json:"capability"`
	jwt.RegisteredClaims
}

// TokenDetails ответ клиенту на запрос токена
type TokenDetails struct {
	Token      string     `json:"token"`
	ClientID   string     `json:"client_id"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Capability Capability `json:"capability"`
}

// TokenIssuer выпускает и проверяет realtime токены (HS256)
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (i *TokenIssuer) Issue(clientID string, capability Capability) (*TokenDetails, error) {
	if clientID == "" {
		return nil, ErrEmptyClientID
	}
	// пустой набор допустим: пользователь без чатов может подключиться и дождаться re-auth
	if capability == nil {
		return nil, ErrNilCapability
	}
	for _, ops := range capability {
		if slices.Contains(ops, OpPublish) {
			return nil, ErrPublishCapability
		}
	}

	now := i.now().UTC().Truncate(time.Second)
	expires := now.Add(i.ttl)
	claims := TokenClaims{
		ClientID:   clientID,
		Capability: capability,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return nil, fmt.Errorf("realtime: sign token: %w", err)
	}
	return &TokenDetails{
		Token:      token,
		ClientID:   clientID,
		IssuedAt:   now,
		ExpiresAt:  expires,
		Capability: capability,
	}, nil
}

// Verify проверяет подпись, срок действия и форму claims
func (i *TokenIssuer) Verify(tokenString string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ClientID == "" || claims.Capability == nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
