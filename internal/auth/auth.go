package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ksred/klear-escrow/internal/types"
	"github.com/ksred/klear-escrow/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

const (
	tokenTTL = 24 * time.Hour

	// ContextAddressKey holds the authenticated caller's types.Address in the gin context
	ContextAddressKey = "address"
	// ContextClientIDKey holds the API key the token was issued for
	ContextClientIDKey = "clientID"
)

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string        `json:"jwt_token"`
	Address    types.Address `json:"address"`
	Expiration time.Time     `json:"expiration"`
}

// Claims represents the JWT claims structure. Address is the party every
// request made with the token acts as.
type Claims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	Address  string `json:"address"`
}

type apiCredential struct {
	secret  string
	address types.Address
}

// Service handles authentication operations
type Service struct {
	jwtSecret []byte

	mu             sync.RWMutex
	apiCredentials map[string]apiCredential
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret:      []byte(jwtSecret),
		apiCredentials: make(map[string]apiCredential),
	}
}

// GenerateToken issues an HS256 token for valid API credentials, valid for 24 hours
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	s.mu.RLock()
	cred, exists := s.apiCredentials[creds.APIKey]
	s.mu.RUnlock()
	if !exists || cred.secret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	expiration := now.Add(tokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   cred.address.Hex(),
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		ClientID: creds.APIKey,
		Address:  cred.address.Hex(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Address:    cred.address,
		Expiration: expiration,
	}, nil
}

// ValidateToken verifies the token signature and expiry and returns its claims
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

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := types.ParseAddress(claims.Address); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RegisterAPICredentials registers an API key pair acting for address
func (s *Service) RegisterAPICredentials(apiKey, apiSecret string, address types.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiCredentials[apiKey] = apiCredential{secret: apiSecret, address: address}
}

// CallerAddress returns the authenticated address set by the JWT middleware
func CallerAddress(c *gin.Context) (types.Address, bool) {
	v, exists := c.Get(ContextAddressKey)
	if !exists {
		return types.ZeroAddress, false
	}
	addr, ok := v.(types.Address)
	return addr, ok && !addr.IsZero()
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
	access  *Access
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service, access *Access) *GinHandlers {
	return &GinHandlers{
		service: service,
		access:  access,
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
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

type roleRequest struct {
	Role    Role   `json:"role" binding:"required"`
	Address string `json:"address" binding:"required"`
}

// GrantRoleHandler handles POST /admin/roles
func (h *GinHandlers) GrantRoleHandler() gin.HandlerFunc {
	return h.roleChange(h.access.Grant)
}

// RevokeRoleHandler handles DELETE /admin/roles
func (h *GinHandlers) RevokeRoleHandler() gin.HandlerFunc {
	return h.roleChange(h.access.Revoke)
}

func (h *GinHandlers) roleChange(apply func(ctx context.Context, granter types.Address, role Role, member types.Address) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := CallerAddress(c)
		if !ok {
			response.Unauthorized(c, "Missing caller address")
			return
		}

		var req roleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		member, err := types.ParseAddress(req.Address)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		err = apply(c.Request.Context(), caller, req.Role, member)
		response.Handle(c, gin.H{"role": req.Role, "address": member}, err)
	}
}

// ListMembersHandler handles GET /admin/roles/:role
func (h *GinHandlers) ListMembersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		members, err := h.access.Members(c.Request.Context(), Role(c.Param("role")))
		response.Handle(c, members, err)
	}
}
