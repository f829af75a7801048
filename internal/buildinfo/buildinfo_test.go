package buildinfo

import (
	"strings"
	"testing"
)

func TestCurrent(t *testing.T) {
	info := Current()
	if info.Version != Version {
		t.Errorf("Version = %q, want %q", info.Version, Version)
	}
	if !strings.Contains(info.Platform, "/") {
		t.Errorf("Platform = %q, want os/arch", info.Platform)
	}
}

func TestUserAgent(t *testing.T) {
	if got := UserAgent(); got != "bernard/"+Version {
		t.Errorf("UserAgent() = %q", got)
	}
}
