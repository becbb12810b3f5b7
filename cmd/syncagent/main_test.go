package main

import (
	"os"
	"testing"
	"time"

	"github.com/caresync/syncagent/internal/config"
	"github.com/caresync/syncagent/internal/gateway"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("SYNCAGENT_TEST_INT", "42")
	got := intEnv("SYNCAGENT_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("SYNCAGENT_TEST_INT_BAD", "not-a-number")
	got := intEnv("SYNCAGENT_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("SYNCAGENT_TEST_DURATION", "150ms")
	got := durationEnv("SYNCAGENT_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("SYNCAGENT_TEST_DURATION_BAD", "soon")
	got := durationEnv("SYNCAGENT_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("SYNCAGENT_TEST_INT_UNSET")
	_ = os.Unsetenv("SYNCAGENT_TEST_DURATION_UNSET")

	if got := intEnv("SYNCAGENT_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := durationEnv("SYNCAGENT_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
}

func TestStringEnvTrimsAndFallsBack(t *testing.T) {
	t.Setenv("SYNCAGENT_TEST_STRING", "  value  ")
	if got := stringEnv("SYNCAGENT_TEST_STRING", "fallback"); got != "value" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
	t.Setenv("SYNCAGENT_TEST_STRING", "   ")
	if got := stringEnv("SYNCAGENT_TEST_STRING", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback for blank value, got %q", got)
	}
}

func TestGatewayRulesConversion(t *testing.T) {
	rules := gatewayRules([]config.Route{
		{Class: gateway.ClassStatic, Methods: []string{"GET"}, Prefix: "/cdn/"},
		{Class: gateway.ClassMutation, Prefix: "/api/upload"},
	})
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if rules[0].Class != gateway.ClassStatic || rules[0].Prefix != "/cdn/" || len(rules[0].Methods) != 1 {
		t.Fatalf("first rule mangled: %+v", rules[0])
	}
	if rules[1].Class != gateway.ClassMutation || rules[1].Methods != nil {
		t.Fatalf("second rule mangled: %+v", rules[1])
	}
}
