package version_test

import (
	"strings"
	"testing"

	v "github.com/keithlinneman/linnemanlabs-throttle/internal/version"
)

func TestVCSDirtyTriState(t *testing.T) {
	orig := v.VCSDirty
	t.Cleanup(func() { v.VCSDirty = orig })

	trueVal := true
	v.VCSDirty = &trueVal
	info := v.Get()
	if info.VCSDirty == nil || *info.VCSDirty != true {
		t.Fatalf("VCSDirty = %v, want true", info.VCSDirty)
	}

	falseVal := false
	v.VCSDirty = &falseVal
	info = v.Get()
	if info.VCSDirty == nil || *info.VCSDirty != false {
		t.Fatalf("VCSDirty = %v, want false", info.VCSDirty)
	}
}

func TestGet_AppName(t *testing.T) {
	if got := v.Get().AppName; got != v.AppName {
		t.Fatalf("AppName = %q, want %q", got, v.AppName)
	}
}

func TestGet_StampedVersionWins(t *testing.T) {
	orig := v.Version
	t.Cleanup(func() { v.Version = orig })

	v.Version = "v1.4.0"
	if got := v.Get().Version; got != "v1.4.0" {
		t.Fatalf("Version = %q, want v1.4.0", got)
	}
}

func TestGet_GoVersionFromBuildInfo(t *testing.T) {
	if got := v.Get().GoVersion; !strings.HasPrefix(got, "go") {
		t.Fatalf("GoVersion = %q, want go* from build info", got)
	}
}

func TestInfo_String(t *testing.T) {
	dirty := true
	got := v.Info{
		AppName:  "linnemanlabs-throttle",
		Version:  "v1.0.0",
		Commit:   "abc123",
		BuildId:  "b-1",
		VCSDirty: &dirty,
	}.String()

	for _, want := range []string{"linnemanlabs-throttle v1.0.0", "commit=abc123", "build_id=b-1", "dirty=true"} {
		if !strings.Contains(got, want) {
			t.Fatalf("String() = %q, missing %q", got, want)
		}
	}
}

func TestInfo_ShortCommit(t *testing.T) {
	tests := []struct {
		commit, want string
	}{
		{"none", "none"},
		{"0123456789abcdef0123", "0123456789ab"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := (v.Info{Commit: tt.commit}).ShortCommit(); got != tt.want {
			t.Errorf("ShortCommit(%q) = %q, want %q", tt.commit, got, tt.want)
		}
	}
}
