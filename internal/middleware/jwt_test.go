package middleware

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/learnhub/enrollment-api/internal/models"
	"github.com/learnhub/enrollment-api/internal/service"
)

type singleUserRepo struct {
	user *models.User
}

func (m *singleUserRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.user != nil && m.user.Email == email {
		return m.user, nil
	}
	return nil, sql.ErrNoRows
}

func (m *singleUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	if m.user != nil && m.user.ID == id {
		return m.user, nil
	}
	return nil, sql.ErrNoRows
}

func (m *singleUserRepo) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	return nil
}

func buildJWTRouter(t *testing.T) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	repo := &singleUserRepo{user: &models.User{ID: "u1", Email: "ada@learnhub.io", FullName: "Ada Lovelace", Role: models.RoleStudent, Active: true, PasswordHash: string(hash)}}
	authSvc := service.NewAuthService(repo, validator.New(), zap.NewNop(), service.AuthConfig{
		AccessTokenSecret: "test-secret",
		AccessTokenExpiry: time.Hour,
		Issuer:            "enrollment-api",
	})

	res, err := authSvc.Login(context.Background(), models.LoginRequest{Email: "ada@learnhub.io", Password: "s3cret"})
	require.NoError(t, err)

	r := gin.New()
	r.GET("/protected", JWT(authSvc), func(c *gin.Context) {
		claims := c.MustGet(ContextUserKey).(*models.JWTClaims)
		c.JSON(http.StatusOK, gin.H{"user_id": claims.UserID})
	})
	return r, res.AccessToken
}

func TestJWTMissingHeader(t *testing.T) {
	router, _ := buildJWTRouter(t)
	req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTMalformedHeader(t *testing.T) {
	router, token := buildJWTRouter(t)
	req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTValidToken(t *testing.T) {
	router, token := buildJWTRouter(t)
	req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"user_id":"u1"`)
}

func TestJWTTamperedToken(t *testing.T) {
	router, token := buildJWTRouter(t)
	req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token+"x")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
