// Package security はアプリケーションのセキュリティ機能を提供する。
//
// MetadataSanitizer は連携UIから届く診断イベントのメタデータを、
// ログやジャーナルに記録する前に無害化する。
package security

import (
	"html"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	// MaxMetadataKeys は1イベントあたりに保持するキーの上限。
	MaxMetadataKeys = 32
	// MaxMetadataValueLen は値1件あたりの最大文字数。
	MaxMetadataValueLen = 256
	// MaxMetadataKeyLen はキー1件あたりの最大文字数。
	MaxMetadataKeyLen = 64
)

// MetadataSanitizer は診断メタデータのサニタイズ機能を定義する。
type MetadataSanitizer interface {
	// Sanitize はマークアップを除去し、キー数と長さを制限した新しいマップを返す。
	// 入力がnilまたは空の場合はnilを返す。
	Sanitize(metadata map[string]string) map[string]string
	// SanitizeString は単一の文字列からマークアップを除去する。
	SanitizeString(s string) string
}

// metadataSanitizer はbluemondayのStrictPolicyで全タグを除去する。
type metadataSanitizer struct {
	policy *bluemonday.Policy
}

// NewMetadataSanitizer はMetadataSanitizerを生成する。
func NewMetadataSanitizer() MetadataSanitizer {
	return &metadataSanitizer{policy: bluemonday.StrictPolicy()}
}

func (s *metadataSanitizer) Sanitize(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}

	// 上限超過時に残るキーを決定的にするためソートする
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, min(len(keys), MaxMetadataKeys))
	for _, k := range keys {
		if len(out) >= MaxMetadataKeys {
			break
		}
		key := truncate(s.SanitizeString(k), MaxMetadataKeyLen)
		if key == "" {
			continue
		}
		out[key] = truncate(s.SanitizeString(metadata[k]), MaxMetadataValueLen)
	}
	return out
}

// SanitizeString はタグを除去したうえで、bluemondayが付けたエスケープを戻してプレーンテキストにする。
// 記録先はJSONログやDBでHTMLとして描画されないため、"&"などはそのまま残す。
func (s *metadataSanitizer) SanitizeString(v string) string {
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(v)))
}

// truncate は文字列をルーン単位でlimitに切り詰める。
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit])
}
