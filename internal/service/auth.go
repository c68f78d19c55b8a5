package service

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
)

const (
	HeaderAPIKey   = "X-API-Key"
	HeaderTOTPCode = "X-TOTP-Code"
)

// AuthService guards the operator API with a static key or a TOTP code.
type AuthService struct {
	logger     *zap.Logger
	apiKey     string
	totpSecret string
}

func NewAuthService(logger *zap.Logger, apiKey, totpSecret string) *AuthService {
	return &AuthService{
		logger:     logger,
		apiKey:     apiKey,
		totpSecret: totpSecret,
	}
}

func (a *AuthService) Enabled() bool {
	return a.apiKey != "" || a.totpSecret != ""
}

// GenerateSecret creates a new TOTP secret and its otpauth:// URL.
func GenerateSecret(issuer, accountName string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to generate TOTP key: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

func (a *AuthService) ValidateAPIKey(key string) bool {
	if a.apiKey == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(a.apiKey)) == 1
}

func (a *AuthService) ValidateToken(token string) bool {
	if a.totpSecret == "" || token == "" {
		return false
	}
	valid := totp.Validate(token, a.totpSecret)
	if !valid {
		a.logger.Warn("TOTP token validation failed")
	}
	return valid
}

func (a *AuthService) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}
		if a.ValidateAPIKey(c.GetHeader(HeaderAPIKey)) || a.ValidateToken(c.GetHeader(HeaderTOTPCode)) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
	}
}
