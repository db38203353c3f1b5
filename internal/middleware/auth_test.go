package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/bankdash/internal/model"
)

// mockVerifier はテスト用のTokenVerifier実装。
type mockVerifier struct {
	verifyFn func(token string) (model.Principal, error)
}

func (m *mockVerifier) Verify(token string) (model.Principal, error) {
	return m.verifyFn(token)
}

// staticVerifier は指定トークンのみを受理するVerifierを返す。
func staticVerifier(valid string, p model.Principal) *mockVerifier {
	return &mockVerifier{
		verifyFn: func(token string) (model.Principal, error) {
			if token != valid {
				return model.Principal{}, errors.New("invalid token")
			}
			return p, nil
		},
	}
}

var testAdmin = model.Principal{UserID: "user-123", OrganizationID: 1, Role: model.RoleOrgAdmin}

func TestAuthMiddleware_BearerHeader_InjectsPrincipal(t *testing.T) {
	mw := NewAuthMiddleware(staticVerifier("good-token", testAdmin))

	var got model.Principal
	var method AuthMethod
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := PrincipalFromContext(r.Context())
		if err != nil {
			t.Fatalf("PrincipalFromContext: %v", err)
		}
		got = p
		method = AuthMethodFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/link", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got != testAdmin {
		t.Errorf("principal = %+v, want %+v", got, testAdmin)
	}
	if method != AuthMethodBearer {
		t.Errorf("auth method = %q, want %q", method, AuthMethodBearer)
	}
}

// TestAuthMiddleware_Cookie_InjectsPrincipal はEventSource向けのCookie経路で認証できることを検証する。
func TestAuthMiddleware_Cookie_InjectsPrincipal(t *testing.T) {
	mw := NewAuthMiddleware(staticVerifier("cookie-token", testAdmin))

	var method AuthMethod
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = AuthMethodFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/link/stream", nil)
	req.AddCookie(&http.Cookie{Name: accessTokenCookieName, Value: "cookie-token"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if method != AuthMethodCookie {
		t.Errorf("auth method = %q, want %q", method, AuthMethodCookie)
	}
}

// TestAuthMiddleware_HeaderTakesPrecedenceOverCookie はヘッダーとCookieの両方がある場合にヘッダーが優先されることを検証する。
func TestAuthMiddleware_HeaderTakesPrecedenceOverCookie(t *testing.T) {
	var seen string
	mw := NewAuthMiddleware(&mockVerifier{
		verifyFn: func(token string) (model.Principal, error) {
			seen = token
			return testAdmin, nil
		},
	})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/api/link", nil)
	req.Header.Set("Authorization", "Bearer header-token")
	req.AddCookie(&http.Cookie{Name: accessTokenCookieName, Value: "cookie-token"})
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "header-token" {
		t.Errorf("verified token = %q, want %q", seen, "header-token")
	}
}

func TestAuthMiddleware_Rejects_Returns401(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *http.Request)
	}{
		{name: "トークンなし", setup: func(r *http.Request) {}},
		{name: "Bearer以外のスキーム", setup: func(r *http.Request) {
			r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		}},
		{name: "空のCookie", setup: func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: accessTokenCookieName, Value: ""})
		}},
		{name: "検証失敗", setup: func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer bad-token")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := NewAuthMiddleware(staticVerifier("good-token", testAdmin))
			handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/link", nil)
			tt.setup(req)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			var body ErrorResponseBody
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if body.Code != model.ErrCodeUnauthorized {
				t.Errorf("code = %q, want %q", body.Code, model.ErrCodeUnauthorized)
			}
		})
	}
}

func TestRequireRoleMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		principal  *model.Principal
		wantStatus int
	}{
		{name: "組織管理者は許可", principal: &testAdmin, wantStatus: http.StatusOK},
		{name: "スーパーユーザーは許可", principal: &model.Principal{UserID: "root", Role: model.RoleSuperUser}, wantStatus: http.StatusOK},
		{name: "その他のロールは403", principal: &model.Principal{UserID: "viewer", OrganizationID: 1, Role: "viewer"}, wantStatus: http.StatusForbidden},
		{name: "未認証は401", principal: nil, wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := NewRequireRoleMiddleware(model.RoleOrgAdmin, model.RoleSuperUser)
			handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/link/open", nil)
			if tt.principal != nil {
				req = req.WithContext(ContextWithPrincipal(req.Context(), *tt.principal))
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestUserIDFromContext_NoValue_ReturnsError(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); err == nil {
		t.Error("expected error when principal is not in context")
	}
}

func TestUserIDFromContext_ValidValue_ReturnsUserID(t *testing.T) {
	ctx := ContextWithPrincipal(context.Background(), testAdmin)
	userID, err := UserIDFromContext(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "user-123" {
		t.Errorf("userID = %q, want %q", userID, "user-123")
	}
}

func TestAuthMethodFromContext_Unauthenticated_ReturnsEmpty(t *testing.T) {
	if m := AuthMethodFromContext(context.Background()); m != "" {
		t.Errorf("auth method = %q, want empty", m)
	}
}
