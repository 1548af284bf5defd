package auth

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-trader/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid operator credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

// PermissionControl allows starting, stopping and reconfiguring trading
const PermissionControl = "trading:control"

const tokenTTL = 12 * time.Hour

// Credentials are an operator's login
type Credentials struct {
	OperatorID string `json:"operator_id"`
	Secret     string `json:"secret"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	OperatorID  string   `json:"operator_id"`
	Permissions []string `json:"permissions"`
}

// Service issues and checks operator tokens for the control surface
type Service struct {
	jwtSecret []byte
	operators map[string]string // map[OperatorID]Secret
	now       func() time.Time
}

func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		operators: make(map[string]string),
		now:       time.Now,
	}
}

// RegisterOperator allows an operator to log in with the given secret
func (s *Service) RegisterOperator(operatorID, secret string) {
	s.operators[operatorID] = secret
}

// GenerateToken issues a signed token for valid operator credentials
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	if !s.validateCredentials(creds) {
		return nil, ErrInvalidCredentials
	}

	issued := s.now()
	expiration := issued.Add(tokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   creds.OperatorID,
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(issued),
			NotBefore: jwt.NewNumericDate(issued),
		},
		OperatorID:  creds.OperatorID,
		Permissions: []string{PermissionControl},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken verifies the signature and expiry and returns the claims
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

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.OperatorID != "" {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

func (s *Service) validateCredentials(creds Credentials) bool {
	secret, exists := s.operators[creds.OperatorID]
	return exists && creds.Secret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(creds.Secret)) == 1
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests exchanging operator credentials for a token
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
