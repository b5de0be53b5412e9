// Package auth issues and validates operator JWTs. Operator identity
// matters beyond access control here: disengaging the kill switch requires
// confirmations from two distinct operator identities, and those
// identities come from token claims.
package auth

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/LeeeWayyy/trading-platform-sub010/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

// Credentials represents the API authentication credentials.
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// TokenResponse represents the JWT token response.
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure. OperatorID identifies the
// human (or system) behind the token.
type Claims struct {
	jwt.RegisteredClaims
	OperatorID  string   `json:"operator_id"`
	Permissions []string `json:"permissions"`
}

// Service handles authentication and authorization operations.
type Service struct {
	jwtSecret []byte
	// Credential registry; a deployment backs this with its secrets store.
	apiCredentials map[string]credential
}

type credential struct {
	secret     string
	operatorID string
}

// NewService creates a new authentication service with the given JWT secret.
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret:      []byte(jwtSecret),
		apiCredentials: make(map[string]credential),
	}
}

// RegisterOperator registers API credentials bound to an operator identity.
func (s *Service) RegisterOperator(apiKey, apiSecret, operatorID string) {
	s.apiCredentials[apiKey] = credential{secret: apiSecret, operatorID: operatorID}
}

// GenerateToken generates a JWT for valid API credentials. The token
// carries the operator identity and expires after 24 hours.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	cred, ok := s.apiCredentials[creds.APIKey]
	if !ok || cred.secret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}

	expiration := time.Now().Add(24 * time.Hour)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
		OperatorID:  cred.operatorID,
		Permissions: []string{"trade", "killswitch"},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{Token: tokenString, Expiration: expiration}, nil
}

// ValidateToken validates a JWT and returns its claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// OperatorFromContext extracts the operator identity set by the JWT
// middleware. Returns empty string if the request was not authenticated.
func OperatorFromContext(c *gin.Context) string {
	return c.GetString("operatorID")
}

// GinHandlers contains HTTP handlers for authentication endpoints.
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates handlers for authentication endpoints.
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// GenerateTokenHandler handles POST requests to generate JWTs.
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}
