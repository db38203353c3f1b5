package bankapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/bankdash/internal/linkflow"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestNewClient_TrimsTrailingSlash(t *testing.T) {
	var buf bytes.Buffer
	c := NewClient(http.DefaultClient, newTestLogger(&buf), "http://backend/api/v1/", "")

	if c.baseURL != "http://backend/api/v1" {
		t.Errorf("baseURL = %q, want http://backend/api/v1", c.baseURL)
	}
}

func TestClient_CreateLinkToken_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("HTTPメソッド = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/v1/plaid/create-link-token" {
			t.Errorf("パス = %s", r.URL.Path)
		}
		// user_idはクエリとボディの両方に含まれる
		if got := r.URL.Query().Get("user_id"); got != "test_user" {
			t.Errorf("クエリ user_id = %q, want test_user", got)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("ボディのデコードに失敗: %v", err)
		}
		if body["user_id"] != "test_user" {
			t.Errorf("ボディ user_id = %q, want test_user", body["user_id"])
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("APIトークン未設定なのにAuthorizationヘッダーが付与された")
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"link_token": "tok_abc"})
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), newTestLogger(&buf), server.URL+"/api/v1", "")

	token, err := c.CreateLinkToken(context.Background(), "test_user")
	if err != nil {
		t.Fatalf("CreateLinkToken がエラーを返した: %v", err)
	}
	if token != "tok_abc" {
		t.Errorf("token = %q, want tok_abc", token)
	}
}

func TestClient_CreateLinkToken_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"plaid unavailable"}`, http.StatusInternalServerError)
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), newTestLogger(&buf), server.URL, "")

	_, err := c.CreateLinkToken(context.Background(), "test_user")

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", statusErr.StatusCode)
	}
	if !strings.Contains(statusErr.Body, "plaid unavailable") {
		t.Errorf("Body = %q", statusErr.Body)
	}
	if !strings.Contains(buf.String(), "口座連携APIがエラーステータスを返しました") {
		t.Errorf("エラーログが出力されていない: %s", buf.String())
	}
}

func TestClient_CreateLinkToken_EmptyToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"link_token":""}`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), newTestLogger(&buf), server.URL, "")

	_, err := c.CreateLinkToken(context.Background(), "test_user")
	if !errors.Is(err, linkflow.ErrEmptyLinkToken) {
		t.Errorf("err = %v, want linkflow.ErrEmptyLinkToken", err)
	}
}

// TestClient_CreateLinkToken_OversizedBody は上限を超えるレスポンスを読み切らずにエラーにすることを検証する。
func TestClient_CreateLinkToken_OversizedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"link_token":"` + strings.Repeat("x", maxResponseBodyBytes) + `"}`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), newTestLogger(&buf), server.URL, "")

	token, err := c.CreateLinkToken(context.Background(), "test_user")
	if err == nil {
		t.Fatalf("上限超過のレスポンスでエラーにならない: token長 = %d", len(token))
	}
	if !strings.Contains(err.Error(), "exceeds") {
		t.Errorf("err = %v, want size limit error", err)
	}
	if !strings.Contains(buf.String(), "口座連携APIのレスポンスが大きすぎます") {
		t.Errorf("エラーログが出力されていない: %s", buf.String())
	}
}

func TestClient_CreateLinkToken_InvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), newTestLogger(&buf), server.URL, "")

	if _, err := c.CreateLinkToken(context.Background(), "test_user"); err == nil {
		t.Error("不正なJSONでエラーが返されなかった")
	}
}

func TestClient_CreateLinkToken_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"link_token":"tok_abc"}`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	httpClient := &http.Client{Timeout: 20 * time.Millisecond}
	c := NewClient(httpClient, newTestLogger(&buf), server.URL, "")

	if _, err := c.CreateLinkToken(context.Background(), "test_user"); err == nil {
		t.Error("タイムアウトでエラーが返されなかった")
	}
}

func TestClient_ExchangePublicToken_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/plaid/exchange-token" {
			t.Errorf("パス = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer svc-token" {
			t.Errorf("Authorization = %q, want Bearer svc-token", r.Header.Get("Authorization"))
		}
		raw, _ := io.ReadAll(r.Body)
		var body exchangeTokenRequest
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("ボディのデコードに失敗: %v", err)
		}
		if body.PublicToken != "pub_123" || body.OrganizationID != 1 {
			t.Errorf("ボディ = %s", raw)
		}
		w.Write([]byte(`{"message":"Successfully linked bank account"}`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), newTestLogger(&buf), server.URL, "svc-token")

	if err := c.ExchangePublicToken(context.Background(), "pub_123", 1); err != nil {
		t.Fatalf("ExchangePublicToken がエラーを返した: %v", err)
	}
}

func TestClient_ExchangePublicToken_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(strings.Repeat("x", 2*maxErrorBodyBytes)))
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), newTestLogger(&buf), server.URL, "")

	err := c.ExchangePublicToken(context.Background(), "pub_123", 1)

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if len(statusErr.Body) != maxErrorBodyBytes {
		t.Errorf("Body長 = %d, want %d", len(statusErr.Body), maxErrorBodyBytes)
	}
}

func TestClient_ExchangePublicToken_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	var buf bytes.Buffer
	c := NewClient(http.DefaultClient, newTestLogger(&buf), url, "")

	if err := c.ExchangePublicToken(context.Background(), "pub_123", 1); err == nil {
		t.Error("接続失敗でエラーが返されなかった")
	}
	if !strings.Contains(buf.String(), "口座連携APIの呼び出しに失敗しました") {
		t.Errorf("エラーログが出力されていない: %s", buf.String())
	}
}
