package handler

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hitoshi/bankdash/internal/linkflow"
)

// eventNamePattern は連携UIの診断イベント名として受け付ける書式。
var eventNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// Validator はリクエストボディのstructタグ検証を行う。
type Validator struct {
	validate *validator.Validate
}

var validate *Validator

// InitValidator はグローバルなValidatorを初期化する。
func InitValidator() {
	v := validator.New(validator.WithRequiredStructEnabled())

	// エラーメッセージにはGoのフィールド名ではなくJSONキーを使う
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("eventname", validateEventName)
	_ = v.RegisterValidation("unreserved", validateUnreserved)

	validate = &Validator{validate: v}
}

// GetValidator はグローバルなValidatorを返す。未初期化なら初期化する。
func GetValidator() *Validator {
	if validate == nil {
		InitValidator()
	}
	return validate
}

// ValidateStruct はstructタグに従って検証する。
func (v *Validator) ValidateStruct(s any) error {
	return v.validate.Struct(s)
}

// FormatValidationError は検証エラーを利用者向けの1行の理由に変換する。
// 内部のstruct名は含めない。
func FormatValidationError(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return "リクエスト形式が不正です"
	}

	reasons := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		field := e.Field()
		switch e.Tag() {
		case "required":
			reasons = append(reasons, fmt.Sprintf("%sは必須です", field))
		case "max":
			reasons = append(reasons, fmt.Sprintf("%sは%s以下にしてください", field, e.Param()))
		case "eventname":
			reasons = append(reasons, fmt.Sprintf("%sに使用できない文字が含まれています", field))
		case "unreserved":
			reasons = append(reasons, fmt.Sprintf("%sに予約済みの接頭辞 %s は使用できません", field, linkflow.ReservedDiagPrefix))
		default:
			reasons = append(reasons, fmt.Sprintf("%sの値が不正です", field))
		}
	}
	sort.Strings(reasons)
	return strings.Join(reasons, ", ")
}

func validateEventName(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	if name == "" {
		return true
	}
	return eventNamePattern.MatchString(name)
}

// validateUnreserved はサーバー内部の診断イベント名と衝突する名前を拒否する。
func validateUnreserved(fl validator.FieldLevel) bool {
	return !linkflow.IsReservedDiagName(fl.Field().String())
}
