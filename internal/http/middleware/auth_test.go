// README: Tests for Firebase auth middleware and actor resolution.
package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"shuttle/internal/access"
	"shuttle/internal/http/middleware"
	"shuttle/internal/infra"
	"shuttle/internal/types"
)

// stubVerifier is a test double for infra.TokenVerifier.
type stubVerifier struct {
	token *infra.FirebaseToken
	err   error
}

func (s *stubVerifier) VerifyIDToken(_ context.Context, _ string) (*infra.FirebaseToken, error) {
	return s.token, s.err
}

type stubResolver struct {
	ids map[types.ID]types.ID
	err error
}

func (s *stubResolver) DriverID(_ context.Context, account types.ID) (types.ID, error) {
	return s.ids[account], s.err
}

func newTestRouter(verifier infra.TokenVerifier, drivers middleware.DriverResolver) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Auth(verifier, drivers))
	r.GET("/test", func(c *gin.Context) {
		a := middleware.Actor(c)
		c.JSON(http.StatusOK, gin.H{"uid": middleware.CallerUID(c), "role": middleware.CallerRole(c), "driver_id": a.DriverID})
	})
	r.GET("/admin", middleware.RequireRole(access.RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func get(r *gin.Engine, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func withRole(uid, role string) *stubVerifier {
	claims := map[string]interface{}{}
	if role != "" {
		claims["role"] = role
	}
	return &stubVerifier{token: &infra.FirebaseToken{UID: uid, Claims: claims}}
}

func TestAuth_MissingHeader(t *testing.T) {
	r := newTestRouter(withRole("user1", ""), nil)
	if w := get(r, "/test", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_InvalidBearerPrefix(t *testing.T) {
	r := newTestRouter(withRole("user1", ""), nil)
	if w := get(r, "/test", "Token sometoken"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_VerifierError(t *testing.T) {
	r := newTestRouter(&stubVerifier{err: errors.New("bad token")}, nil)
	if w := get(r, "/test", "Bearer invalidtoken"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_UnknownRoleRejected(t *testing.T) {
	r := newTestRouter(withRole("user1", "superuser"), nil)
	if w := get(r, "/test", "Bearer validtoken"); w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestAuth_DriverProfileResolved(t *testing.T) {
	resolver := &stubResolver{ids: map[types.ID]types.ID{"driver123": "d-77"}}
	r := newTestRouter(withRole("driver123", "driver"), resolver)
	w := get(r, "/test", "Bearer validtoken")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"uid":"driver123"`) || !strings.Contains(body, `"role":"driver"`) || !strings.Contains(body, `"driver_id":"d-77"`) {
		t.Errorf("unexpected body %s", body)
	}
}

func TestAuth_SessionUnavailable(t *testing.T) {
	r := newTestRouter(withRole("driver123", "driver"), &stubResolver{err: errors.New("down")})
	if w := get(r, "/test", "Bearer validtoken"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestAuth_NoRoleClaimIsCustomer(t *testing.T) {
	r := newTestRouter(withRole("customer456", ""), nil)
	w := get(r, "/test", "Bearer validtoken")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"role":"customer"`) {
		t.Errorf("expected customer role, got %s", w.Body.String())
	}
}

func TestRequireRole(t *testing.T) {
	if w := get(newTestRouter(withRole("u1", ""), nil), "/admin", "Bearer t"); w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for customer, got %d", w.Code)
	}
	if w := get(newTestRouter(withRole("u2", "admin"), nil), "/admin", "Bearer t"); w.Code != http.StatusNoContent {
		t.Errorf("expected 204 for admin, got %d", w.Code)
	}
}
