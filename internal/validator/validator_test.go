package validator

import (
	"errors"
	"strings"
	"testing"
)

type signup struct {
	Phone string `json:"phone" validate:"required,min=10"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
	Note  string `json:"-" validate:"max=3"`
}

func TestStruct(t *testing.T) {
	if err := Struct(signup{Phone: "9876543210", Code: "123456"}); err != nil {
		t.Fatalf("valid struct: %v", err)
	}

	err := Struct(signup{Phone: "98", Code: "12ab56"})
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	fields := TranslateErrors(err)
	if len(fields) != 2 {
		t.Fatalf("fields = %v", fields)
	}
	if !strings.Contains(fields["phone"], "at least 10 characters") {
		t.Errorf("phone message = %q", fields["phone"])
	}
	if _, ok := fields["code"]; !ok {
		t.Errorf("missing code field in %v", fields)
	}
	if summary := Summary(err); !strings.Contains(summary, "; ") {
		t.Errorf("summary = %q", summary)
	}
}

func TestNonValidationErrors(t *testing.T) {
	err := errors.New("boom")
	if IsValidation(err) {
		t.Error("plain error reported as validation")
	}
	if got := TranslateErrors(err); got["detail"] != "boom" {
		t.Errorf("TranslateErrors = %v", got)
	}
	if Summary(err) != "boom" {
		t.Errorf("Summary = %q", Summary(err))
	}
}
