package environment_test

import (
	"testing"
	"time"

	"github.com/flotilladev/flotilla/common/environment"
)

func TestStringOr(t *testing.T) {
	t.Setenv("FLOTILLA_TEST_TRANSPORT", "api")
	if got := environment.StringOr("FLOTILLA_TEST_TRANSPORT", "cli"); got != "api" {
		t.Errorf("got %q, want %q", got, "api")
	}
	if got := environment.StringOr("FLOTILLA_TEST_TRANSPORT_MISSING", "cli"); got != "cli" {
		t.Errorf("got %q, want the default %q", got, "cli")
	}
}

func TestBoolOr(t *testing.T) {
	t.Setenv("FLOTILLA_TEST_DEBUG", "true")
	if !environment.BoolOr("FLOTILLA_TEST_DEBUG", false) {
		t.Error("expected true")
	}
	t.Setenv("FLOTILLA_TEST_DEBUG", "0")
	if environment.BoolOr("FLOTILLA_TEST_DEBUG", true) {
		t.Error("expected false")
	}
	if !environment.BoolOr("FLOTILLA_TEST_DEBUG_MISSING", true) {
		t.Error("expected default true")
	}
	t.Setenv("FLOTILLA_TEST_DEBUG_BAD", "yes please")
	if environment.BoolOr("FLOTILLA_TEST_DEBUG_BAD", false) {
		t.Error("unparseable value should fall back to the default")
	}
}

func TestDurationOr(t *testing.T) {
	t.Setenv("FLOTILLA_TEST_TIMEOUT", "30s")
	if got := environment.DurationOr("FLOTILLA_TEST_TIMEOUT", time.Minute); got != 30*time.Second {
		t.Errorf("got %v, want 30s", got)
	}
	if got := environment.DurationOr("FLOTILLA_TEST_TIMEOUT_MISSING", time.Minute); got != time.Minute {
		t.Errorf("got %v, want the default 1m", got)
	}
	t.Setenv("FLOTILLA_TEST_TIMEOUT_BAD", "soon")
	if got := environment.DurationOr("FLOTILLA_TEST_TIMEOUT_BAD", time.Minute); got != time.Minute {
		t.Errorf("got %v, want the default for a bad value", got)
	}
}
