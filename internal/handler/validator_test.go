package handler

import (
	"strings"
	"testing"
)

func TestValidator_EventRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     eventRequest
		wantErr string
	}{
		{"valid", eventRequest{EventName: "OPEN"}, ""},
		{"dotted", eventRequest{EventName: "ui.view_changed"}, ""},
		{"missing", eventRequest{}, "event_nameは必須です"},
		{"markup", eventRequest{EventName: "<b>x</b>"}, "event_nameに使用できない文字が含まれています"},
		{"too long", eventRequest{EventName: strings.Repeat("A", 65)}, "event_nameは64以下にしてください"},
		{"reserved prefix", eventRequest{EventName: "link.success_ignored"}, "event_nameに予約済みの接頭辞 link. は使用できません"},
		{"reserved prefix upper case", eventRequest{EventName: "LINK.exit_ignored"}, "event_nameに予約済みの接頭辞 link. は使用できません"},
		{"prefix inside name", eventRequest{EventName: "ui.link.open"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := GetValidator().ValidateStruct(&tt.req)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			if got := FormatValidationError(err); got != tt.wantErr {
				t.Errorf("reason = %q, want %q", got, tt.wantErr)
			}
		})
	}
}

func TestValidator_ReadyRequest_FalseIsPresent(t *testing.T) {
	ready := false
	if err := GetValidator().ValidateStruct(&readyRequest{Ready: &ready}); err != nil {
		t.Errorf("explicit false should be valid: %v", err)
	}
	if err := GetValidator().ValidateStruct(&readyRequest{}); err == nil {
		t.Error("missing ready should be invalid")
	}
}

func TestFormatValidationError_Sorted(t *testing.T) {
	err := GetValidator().ValidateStruct(&successRequest{PublicToken: strings.Repeat("p", 513)})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if got := FormatValidationError(err); got != "public_tokenは512以下にしてください" {
		t.Errorf("reason = %q", got)
	}
}
