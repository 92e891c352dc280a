// internal/auth/auth.go
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenConfig holds the configuration for token generation
type TokenConfig struct {
	Secret     []byte
	Expiration time.Duration
	Issuer     string
}

// Claims 访问令牌携带的身份信息
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// NewTokenConfig 根据配置构造令牌参数；secret 为空时生成随机密钥，
// 第二个返回值表示密钥是否为生成的（重启后已签发的令牌失效）
func NewTokenConfig(secret string, expiration time.Duration, issuer string) (*TokenConfig, bool, error) {
	if secret != "" {
		return &TokenConfig{Secret: []byte(secret), Expiration: expiration, Issuer: issuer}, false, nil
	}
	key, err := GenerateSecureKey(32)
	if err != nil {
		return nil, false, err
	}
	return &TokenConfig{Secret: key, Expiration: expiration, Issuer: issuer}, true, nil
}

// GenerateToken creates a signed HS256 token for userID
func GenerateToken(userID string, config *TokenConfig) (string, error) {
	if config == nil || len(config.Secret) == 0 {
		return "", fmt.Errorf("secret key is required")
	}
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}

	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(config.Expiration)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(config.Secret)
}

// ParseToken parses and validates a token
func ParseToken(tokenString string, config *TokenConfig) (*Claims, error) {
	if config == nil || len(config.Secret) == 0 {
		return nil, fmt.Errorf("secret key is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return config.Secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token has expired")
		}
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// GenerateSecureKey generates a secure random key for token signing
func GenerateSecureKey(length int) ([]byte, error) {
	if length <= 0 {
		length = 32 // Default to 256 bits
	}

	key := make([]byte, length)
	_, err := rand.Read(key)
	if err != nil {
		return nil, err
	}

	return key, nil
}
