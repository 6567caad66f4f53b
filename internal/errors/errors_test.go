package errors

import (
	"bytes"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestWrapKeepsCodeAndCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp: timeout")
	err := Wrap(CodeUpstreamUnavailable, cause, "Juno 不可用", WithMetadata("path", "/mint/v1/redemption"))

	if CodeOf(err) != CodeUpstreamUnavailable {
		t.Fatalf("unexpected code %s", CodeOf(err))
	}
	if !stdErrors.Is(err, cause) {
		t.Fatal("cause must be reachable through errors.Is")
	}
	if !stdErrors.Is(err, New(CodeUpstreamUnavailable, "")) {
		t.Fatal("errors.Is must match by code")
	}
	if err.Message() != "Juno 不可用" {
		t.Fatalf("unexpected message %q", err.Message())
	}
	if got := err.Metadata()["path"]; got != "/mint/v1/redemption" {
		t.Fatalf("unexpected metadata %q", got)
	}
	if !RetryableError(err) || SeverityOf(err) != SeverityCritical {
		t.Fatal("upstream failures are retryable and critical")
	}
}

func TestHasCodeWalksNestedErrors(t *testing.T) {
	inner := New(CodeQuoteExpired, "")
	outer := Wrap(CodeExecutorFailure, fmt.Errorf("swap leg: %w", inner), "充值失败")

	if CodeOf(outer) != CodeExecutorFailure {
		t.Fatalf("CodeOf must report the outermost code, got %s", CodeOf(outer))
	}
	if !HasCode(outer, CodeQuoteExpired) {
		t.Fatal("HasCode must find the nested code")
	}
	if HasCode(outer, CodeBadUser) || HasCode(fmt.Errorf("plain"), CodeUnknown) {
		t.Fatal("HasCode reported a code that is not in the chain")
	}
}

func TestRetryableOverrideAndRegistration(t *testing.T) {
	err := New(CodeUpstreamUnavailable, "reverted", WithRetryable(false))
	if RetryableError(err) {
		t.Fatal("WithRetryable(false) must override the code default")
	}
	if RetryableError(fmt.Errorf("plain")) {
		t.Fatal("plain errors are not retryable")
	}

	const custom Code = "TEST_CUSTOM"
	if AttributesOf(custom).Message != AttributesOf(CodeUnknown).Message {
		t.Fatal("unregistered codes fall back to UNKNOWN")
	}
	Register(custom, Attributes{Message: "custom", Severity: SeverityInfo, Retryable: true})
	if got := New(custom, ""); got.Message() != "custom" || !got.Retryable() {
		t.Fatalf("registered attributes not applied: %+v", got)
	}
}

func TestLogValueIsStructured(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	log.Error("failed", slog.Any("error", Wrap(CodeBadUser, fmt.Errorf("missing row"), "", WithMetadata("user_id", "alice"))))

	out := buf.String()
	for _, want := range []string{`"code":"BAD_USER"`, `"cause":"missing row"`, `"user_id":"alice"`, `"message":"no account for user"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output %s missing %s", out, want)
		}
	}
}
