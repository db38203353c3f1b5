// Package bankapi は口座連携サーバーAPIのHTTPクライアントを提供する。
// リンクトークンの発行と公開トークンの交換を呼び出す。
package bankapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/bankdash/internal/linkflow"
)

const (
	createLinkTokenPath = "/plaid/create-link-token"
	exchangeTokenPath   = "/plaid/exchange-token"

	// maxErrorBodyBytes はエラー時にログへ残すレスポンスボディの上限。
	maxErrorBodyBytes = 512
	// maxResponseBodyBytes は読み込むレスポンスボディの上限。
	maxResponseBodyBytes = 1 << 20
)

// StatusError はサーバーが2xx以外のステータスを返した場合のエラー。
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Client は口座連携サーバーAPIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	apiToken   string // 空の場合はAuthorizationヘッダーを付与しない
}

// NewClient はClientの新しいインスタンスを生成する。
// タイムアウトはhttpClient側で設定する。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL, apiToken string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiToken:   apiToken,
	}
}

type createLinkTokenRequest struct {
	UserID string `json:"user_id"`
}

type createLinkTokenResponse struct {
	LinkToken string `json:"link_token"`
}

type exchangeTokenRequest struct {
	PublicToken    string `json:"public_token"`
	OrganizationID int64  `json:"organization_id"`
}

// CreateLinkToken はユーザーに紐づくリンクトークンを発行する。
// user_idはボディとクエリパラメータの両方で送る。
func (c *Client) CreateLinkToken(ctx context.Context, userID string) (string, error) {
	query := url.Values{"user_id": {userID}}
	body, err := c.post(ctx, "create link token", createLinkTokenPath+"?"+query.Encode(), createLinkTokenRequest{UserID: userID})
	if err != nil {
		return "", err
	}

	var resp createLinkTokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.logger.Error("リンクトークンレスポンスのパースに失敗しました",
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("failed to parse link token response: %w", err)
	}
	if resp.LinkToken == "" {
		return "", fmt.Errorf("create link token: %w", linkflow.ErrEmptyLinkToken)
	}
	return resp.LinkToken, nil
}

// ExchangePublicToken は公開トークンを組織の口座アクセス資格に交換する。
// 成功時のレスポンスボディは使用しない。
func (c *Client) ExchangePublicToken(ctx context.Context, publicToken string, organizationID int64) error {
	_, err := c.post(ctx, "exchange public token", exchangeTokenPath, exchangeTokenRequest{
		PublicToken:    publicToken,
		OrganizationID: organizationID,
	})
	return err
}

// post はJSONボディをPOSTし、2xxの場合にレスポンスボディを返す。
func (c *Client) post(ctx context.Context, op, path string, payload any) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Bankdash/1.0")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("口座連携APIの呼び出しに失敗しました",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}
	if len(body) > maxResponseBodyBytes {
		c.logger.Error("口座連携APIのレスポンスが大きすぎます",
			slog.String("operation", op),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, fmt.Errorf("%s response exceeds %d bytes", op, maxResponseBodyBytes)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > maxErrorBodyBytes {
			snippet = snippet[:maxErrorBodyBytes]
		}
		c.logger.Error("口座連携APIがエラーステータスを返しました",
			slog.String("operation", op),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: snippet}
	}

	return body, nil
}

// compile-time interface check
var _ linkflow.Backend = (*Client)(nil)
