package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"github.com/fieldtrace/fieldtrace/internal/auth"
	"github.com/fieldtrace/fieldtrace/internal/config"
	"github.com/fieldtrace/fieldtrace/internal/db/repositories"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newAuthRouter(t *testing.T, multiTenancy bool) (*gin.Engine, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{}
	cfg.MultiTenancy.Enabled = multiTenancy

	router := gin.New()
	router.Use(AuthMiddleware(cfg, repositories.NewUserRepository(db), repositories.NewOrganizationRepository(db)))
	router.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id":         UserID(c),
			"organization_id": OrganizationID(c),
		})
	})
	return router, mock
}

func userCols() []string {
	return []string{"id", "organization_id", "email", "display_name", "created_at", "updated_at"}
}

func orgCols() []string {
	return []string{"id", "name", "display_name", "created_at", "updated_at"}
}

func expectUserRow(mock sqlmock.Sqlmock, userID, orgID string) {
	now := time.Now()
	mock.ExpectQuery("SELECT id, organization_id, email, display_name, created_at, updated_at").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows(userCols()).
			AddRow(userID, orgID, "dana@example.com", "Dana", now, now))
}

// ---------------------------------------------------------------------------
// Header parsing
// ---------------------------------------------------------------------------

func TestAuthMiddleware_MissingHeader(t *testing.T) {
	router, _ := newAuthRouter(t, false)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_NonBearerScheme(t *testing.T) {
	router, _ := newAuthRouter(t, false)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_GarbageToken(t *testing.T) {
	router, _ := newAuthRouter(t, false)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Identity resolution
// ---------------------------------------------------------------------------

func TestAuthMiddleware_ValidTokenSingleTenant(t *testing.T) {
	router, mock := newAuthRouter(t, false)

	token, err := auth.GenerateJWT("user-1", "org-1", "dana@example.com", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	expectUserRow(mock, "user-1", "org-1")
	now := time.Now()
	mock.ExpectQuery("SELECT id, name, display_name, created_at, updated_at").
		WithArgs("default").
		WillReturnRows(sqlmock.NewRows(orgCols()).
			AddRow("org-default", "default", "Default Organization", now, now))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", w.Code, w.Body.String())
	}
	// Single-tenant mode scopes everyone to the default org
	body := w.Body.String()
	if !strings.Contains(body, `"organization_id":"org-default"`) {
		t.Errorf("body = %s, want organization_id org-default", body)
	}
	if !strings.Contains(body, `"user_id":"user-1"`) {
		t.Errorf("body = %s, want user_id user-1", body)
	}
}

func TestAuthMiddleware_UserNotFound(t *testing.T) {
	router, mock := newAuthRouter(t, false)

	token, err := auth.GenerateJWT("ghost", "org-1", "ghost@example.com", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	mock.ExpectQuery("SELECT id, organization_id, email, display_name, created_at, updated_at").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(userCols()))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_OrganizationMismatchForbidden(t *testing.T) {
	router, mock := newAuthRouter(t, true)

	token, err := auth.GenerateJWT("user-1", "org-other", "dana@example.com", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	expectUserRow(mock, "user-1", "org-1")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestAuthMiddleware_MultiTenantUsesUserOrganization(t *testing.T) {
	router, mock := newAuthRouter(t, true)

	token, err := auth.GenerateJWT("user-1", "org-1", "dana@example.com", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	expectUserRow(mock, "user-1", "org-1")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"organization_id":"org-1"`) {
		t.Errorf("body = %s, want organization_id org-1", w.Body.String())
	}
}
