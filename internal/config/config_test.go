package config

import (
	"testing"

	"github.com/nextlevelbuilder/goclaw-guard/internal/guard"
)

func TestSetGuardConfigsForAndGet(t *testing.T) {
	c := Default()
	c.SetGuardConfigsFor("srv-a", []guard.Config{{ID: "g1", Type: guard.KindToolPoisoning, Enabled: true}})
	got := c.GuardConfigsFor("srv-a")
	if len(got) != 1 || got[0].ID != "g1" {
		t.Fatalf("GuardConfigsFor = %+v", got)
	}
	if got := c.GuardConfigsFor("nonexistent"); got != nil {
		t.Errorf("expected nil for an unconfigured backend, got %+v", got)
	}
}

func TestReplaceFromPreservesPointerIdentity(t *testing.T) {
	c := Default()
	c.Gateway.Port = 1
	src := Default()
	src.Gateway.Port = 9
	src.SetGuardConfigsFor("srv-a", []guard.Config{{ID: "g1"}})

	ptr := c
	c.ReplaceFrom(src)
	if ptr != c {
		t.Fatal("ReplaceFrom must not change c's own pointer identity")
	}
	if c.Gateway.Port != 9 {
		t.Errorf("Gateway.Port = %d, want 9", c.Gateway.Port)
	}
	if len(c.GuardConfigsFor("srv-a")) != 1 {
		t.Errorf("expected guard configs to be copied from src")
	}
}

func TestHashChangesWithContent(t *testing.T) {
	c := Default()
	h1 := c.Hash()
	c.SetGuardConfigsFor("srv-a", []guard.Config{{ID: "g1"}})
	h2 := c.Hash()
	if h1 == h2 {
		t.Error("Hash should change after guard config is modified")
	}
	if c.Hash() != h2 {
		t.Error("Hash should be stable for unchanged content")
	}
}
