package security

import (
	"errors"
	"testing"
	"time"
)

func TestStateRoundTrip(t *testing.T) {
	m := NewStateManager([]byte("state-secret"), 10*time.Minute)

	state, err := m.Generate("tenant-1", "/settings/sheets")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	claims, err := m.Validate(state)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if claims.TenantID != "tenant-1" {
		t.Errorf("expected tenant-1, got %q", claims.TenantID)
	}
	if claims.ReturnPath != "/settings/sheets" {
		t.Errorf("expected return path, got %q", claims.ReturnPath)
	}
}

func TestStateExpired(t *testing.T) {
	m := NewStateManager([]byte("state-secret"), -time.Minute)

	state, err := m.Generate("tenant-1", "")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	if _, err := m.Validate(state); !errors.Is(err, ErrExpiredState) {
		t.Errorf("expected ErrExpiredState, got %v", err)
	}
}

func TestStateWrongSecret(t *testing.T) {
	m := NewStateManager([]byte("state-secret"), 10*time.Minute)
	other := NewStateManager([]byte("another-secret"), 10*time.Minute)

	state, _ := m.Generate("tenant-1", "")

	if _, err := other.Validate(state); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestStateGarbageInput(t *testing.T) {
	m := NewStateManager([]byte("state-secret"), 10*time.Minute)

	if _, err := m.Validate("not-a-jwt"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}
