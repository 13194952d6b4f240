package version_test

import (
	"testing"

	v "github.com/keithlinneman/headerguard/internal/version"
)

func TestGet_DefaultsPresent(t *testing.T) {
	info := v.Get()
	if info.Version == "" {
		t.Fatal("Version is empty")
	}
	if info.Commit == "" {
		t.Fatal("Commit is empty")
	}
}

func TestGet_VCSDirtyTriState(t *testing.T) {
	orig := v.VCSDirty
	t.Cleanup(func() { v.VCSDirty = orig })

	v.VCSDirty = nil
	if info := v.Get(); info.VCSDirty != nil {
		t.Fatalf("VCSDirty = %v, want nil when unstamped", *info.VCSDirty)
	}

	for _, want := range []bool{true, false} {
		val := want
		v.VCSDirty = &val
		info := v.Get()
		if info.VCSDirty == nil || *info.VCSDirty != want {
			t.Fatalf("VCSDirty = %v, want %v", info.VCSDirty, want)
		}
	}
}
