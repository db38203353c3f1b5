package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/bankdash/internal/middleware"
	"github.com/hitoshi/bankdash/internal/model"
)

// maxRequestBodyBytes はリクエストボディの上限。
const maxRequestBodyBytes = 64 << 10

// errEmptyBody は空のリクエストボディを表す。任意ボディのエンドポイントでは無視する。
var errEmptyBody = errors.New("empty request body")

// decodeAndValidate はJSONボディをdstにデコードし、structタグで検証する。
// 失敗時は400レスポンスを書き込んでfalseを返す。
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		if optional && errors.Is(err, errEmptyBody) {
			return true
		}
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONを解析できません"))
		return false
	}
	if err := GetValidator().ValidateStruct(dst); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(FormatValidationError(err)))
		return false
	}
	return true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// handleServiceError はControllerやサービス層から返されたエラーをHTTPレスポンスに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeLinkNotOpenable, model.ErrCodeLinkRetryNotAllowed:
		return http.StatusConflict
	case model.ErrCodeLinkSessionNotFound:
		return http.StatusNotFound
	case model.ErrCodeLinkTokenInitFailed, model.ErrCodeLinkExchangeFailed:
		return http.StatusBadGateway
	case model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden, model.ErrCodeCSRFInvalid:
		return http.StatusForbidden
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
