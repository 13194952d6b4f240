package prof

import (
	"context"
	"strings"
	"testing"

	"github.com/keithlinneman/headerguard/internal/log"
)

func TestStart_Disabled(t *testing.T) {
	// Disabled must succeed regardless of how broken the rest of the
	// options are, and the stop function must be a reusable no-op.
	stop, err := Start(context.Background(), Options{
		Enabled:              false,
		ServerAddress:        "",
		AuthToken:            "secret",
		TenantID:             "tenant",
		Tags:                 map[string]string{"k": "v"},
		ProfileMutexFraction: 999,
		BlockProfileRate:     999,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if stop == nil {
		t.Fatal("stop func is nil")
	}
	stop()
	stop()
}

func TestStart_EmptyServerAddressRejected(t *testing.T) {
	stop, err := Start(context.Background(), Options{
		Enabled:       true,
		ServerAddress: "",
		AppName:       "headerguard",
	})

	if err == nil {
		t.Fatal("expected error for empty server address")
	}
	if !strings.Contains(err.Error(), "invalid server address") {
		t.Fatalf("error = %q, want invalid server address", err)
	}

	// The stop func stays usable on the error path.
	if stop == nil {
		t.Fatal("stop func is nil on error")
	}
	stop()
	stop()
}

func TestStart_RejectsBeforeTouchingRuntimeRates(t *testing.T) {
	// All option fields are accepted; validation fails on the address
	// before any profiler state is configured.
	_, err := Start(context.Background(), Options{
		Enabled:              true,
		AppName:              "headerguard",
		ServerAddress:        "",
		AuthToken:            "token123",
		TenantID:             "tenant456",
		Tags:                 map[string]string{"env": "test"},
		ProfileMutexFraction: 5,
		BlockProfileRate:     1000,
	})
	if err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestStart_UnreachableServer(t *testing.T) {
	// The agent may connect lazily, so err is version-dependent. What must
	// hold: stop is non-nil and never panics.
	stop, _ := Start(context.Background(), Options{
		Enabled:       true,
		ServerAddress: "http://localhost:0/nonexistent",
		AppName:       "headerguard",
	})
	if stop == nil {
		t.Fatal("stop func is nil")
	}
	stop()
}

func TestStart_WithContextLogger(t *testing.T) {
	ctx := log.WithContext(context.Background(), log.Nop())

	stop, err := Start(ctx, Options{Enabled: false})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stop()

	if _, err := Start(ctx, Options{Enabled: true, ServerAddress: ""}); err == nil {
		t.Fatal("expected error")
	}
}
