package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestErrorStringIncludesPluginAndCause(t *testing.T) {
	cause := stdErrors.New("connection refused")
	err := Wrap(CodeRemoteFailure, cause, "download failed", WithPlugin("hgnc"))

	want := "[REMOTE_FAILURE] download failed (plugin=hgnc): connection refused"
	if got := err.Error(); got != want {
		t.Fatalf("unexpected message: %q", got)
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through Unwrap")
	}
}

func TestIsComparesCodes(t *testing.T) {
	sentinel := New(CodeNotFound, "plugin not found")
	wrapped := fmt.Errorf("lookup: %w", Newf(CodeNotFound, "plugin %s missing", "civic"))

	if !stdErrors.Is(wrapped, sentinel) {
		t.Fatalf("expected errors with equal codes to match")
	}
	if stdErrors.Is(wrapped, New(CodeConflict, "")) {
		t.Fatalf("expected different codes not to match")
	}
	if CodeOf(wrapped) != CodeNotFound {
		t.Fatalf("unexpected code %s", CodeOf(wrapped))
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors should map to UNKNOWN")
	}
}

func TestRegisteredAttributesDriveDefaults(t *testing.T) {
	const code Code = "TEST_CUSTOM_CODE"
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Retryable: true})

	err := New(code, "")
	if err.Message() != "custom" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if !RetryableError(err) {
		t.Fatalf("expected registered retryable attribute")
	}
	if ShouldAlert(err) {
		t.Fatalf("expected no alert by default")
	}
	if SeverityOf(err) != SeverityWarning {
		t.Fatalf("unexpected severity %s", SeverityOf(err))
	}

	found := false
	for _, c := range Registered() {
		if c == code {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s in registry", code)
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	err := New(CodeStorageFailure, "write failed",
		WithRetryable(false),
		WithAlert(false),
		WithSeverity(SeverityInfo),
		WithMetadata("table", "known_versions"),
	)
	if err.Retryable() || err.ShouldAlert() || err.Severity() != SeverityInfo {
		t.Fatalf("options were not applied: %+v", err)
	}
	md := err.Metadata()
	md["table"] = "changed"
	if err.Metadata()["table"] != "known_versions" {
		t.Fatalf("metadata must be copied")
	}
}

func TestUnregisteredCodeFallsBackToUnknown(t *testing.T) {
	err := New(Code("NEVER_REGISTERED"), "")
	if err.Message() != AttributesOf(CodeUnknown).Message {
		t.Fatalf("unexpected fallback message %q", err.Message())
	}
	if !err.ShouldAlert() {
		t.Fatalf("unknown codes alert by default")
	}
}

func TestVersionContextAndAnyCode(t *testing.T) {
	err := New(CodeConflict, "pending upgrade exists", WithPlugin("civic"), WithVersion("2024-05"), WithMetadata("update_id", "u1"))
	if got, want := err.Error(), "[CONFLICT] pending upgrade exists (plugin=civic, version=2024-05)"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	md := err.Metadata()
	if md["plugin"] != "civic" || md["version"] != "2024-05" || md["update_id"] != "u1" {
		t.Fatalf("unexpected metadata %v", md)
	}
	wrapped := fmt.Errorf("upgrade: %w", err)
	if !HasAnyCode(wrapped, CodeNotFound, CodeConflict) || HasAnyCode(wrapped, CodeNotFound) {
		t.Fatalf("HasAnyCode mismatch for %v", wrapped)
	}
	if HasAnyCode(nil, CodeUnknown) {
		t.Fatalf("nil error must not match")
	}
}
