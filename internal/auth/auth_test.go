package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/fleet-assistance/internal/models"
)

func testClaims() models.Claims {
	return models.Claims{
		UserID:       "user-1",
		Username:     "dispatcher",
		AccountID:    "acct-1",
		DealershipID: "D-77",
		Role:         models.RoleDealership,
	}
}

func TestNewService(t *testing.T) {
	service, err := NewService("secret", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTokenExpiry, service.tokenExp)

	_, err = NewService("", time.Hour)
	assert.Error(t, err)
}

func TestService_GenerateAndValidate(t *testing.T) {
	service, _ := NewService("secret", time.Hour)

	token, err := service.GenerateToken(testClaims())
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := service.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "dispatcher", claims.Username)
	assert.Equal(t, "acct-1", claims.AccountID)
	assert.Equal(t, "D-77", claims.DealershipID)
	assert.Equal(t, models.RoleDealership, claims.Role)

	now := time.Now().Unix()
	assert.Greater(t, claims.Exp, now)
	assert.LessOrEqual(t, claims.Exp, now+3601)

	// Bearer prefix is accepted
	_, err = service.ValidateToken("Bearer " + token)
	assert.NoError(t, err)

	actor := claims.Actor()
	assert.Equal(t, "user-1", actor.UserID)
	assert.False(t, actor.IsTower)
}

func TestService_GenerateRejectsUnknownRole(t *testing.T) {
	service, _ := NewService("secret", time.Hour)
	c := testClaims()
	c.Role = "pilot"
	_, err := service.GenerateToken(c)
	assert.Equal(t, ErrInvalidRole, err)
}

func TestService_ValidateToken_Rejections(t *testing.T) {
	service, _ := NewService("secret", time.Hour)
	other, _ := NewService("other-secret", time.Hour)
	foreign, err := other.GenerateToken(testClaims())
	require.NoError(t, err)

	noneAlg := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"user_id": "user-1",
		"role":    "admin",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	unsigned, err := noneAlg.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "user-1",
		"role":    "admin",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "invalid-token"},
		{"wrong secret", foreign},
		{"alg none", unsigned},
		{"no expiry", noExp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.ValidateToken(tt.token)
			assert.Equal(t, ErrInvalidToken, err)
		})
	}
}

func TestService_ValidateToken_UnknownRole(t *testing.T) {
	service, _ := NewService("secret", time.Hour)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "user-1",
		"role":    "pilot",
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = service.ValidateToken(token)
	assert.Equal(t, ErrInvalidRole, err)
}

func TestService_TokenExpiration(t *testing.T) {
	service, _ := NewService("secret", time.Minute)
	issued := time.Now()
	service.now = func() time.Time { return issued }

	token, err := service.GenerateToken(testClaims())
	require.NoError(t, err)

	service.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = service.ValidateToken(token)
	assert.Equal(t, ErrExpiredToken, err)
}

func TestExtractTokenFromHeader(t *testing.T) {
	extracted, err := ExtractTokenFromHeader("Bearer valid-token")
	assert.NoError(t, err)
	assert.Equal(t, "valid-token", extracted)

	for _, header := range []string{"", "InvalidFormat", "Bearer ", "Basic abc"} {
		_, err = ExtractTokenFromHeader(header)
		assert.Equal(t, ErrInvalidToken, err, header)
	}
}
