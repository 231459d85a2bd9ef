package relay

import "testing"

func TestComputeDefaultTargetSingleUpstream(t *testing.T) {
	target := computeDefaultTarget([]*upstreamHandle{{name: "only"}})
	if target == nil || *target != "only" {
		t.Fatalf("expected default target %q, got %v", "only", target)
	}
}

func TestComputeDefaultTargetMultipleUpstreams(t *testing.T) {
	target := computeDefaultTarget([]*upstreamHandle{{name: "a"}, {name: "b"}})
	if target != nil {
		t.Fatalf("expected nil default target with multiple upstreams, got %v", *target)
	}
}

func TestComputeDefaultTargetAlwaysPrefix(t *testing.T) {
	target := computeDefaultTarget([]*upstreamHandle{{name: "only", alwaysPrefix: true}})
	if target != nil {
		t.Fatalf("expected nil default target when the sole upstream demands prefixing, got %v", *target)
	}
}

func TestNamingRoundTripPrefixed(t *testing.T) {
	n := naming{defaultTarget: nil}
	wire := n.formatName("srv-a", "search")
	upstream, raw, err := n.parseResourceName(wire)
	if err != nil {
		t.Fatalf("parseResourceName: %v", err)
	}
	if upstream != "srv-a" || raw != "search" {
		t.Errorf("round trip mismatch: upstream=%q raw=%q", upstream, raw)
	}
}

func TestNamingRoundTripDefaultTarget(t *testing.T) {
	only := "srv-a"
	n := naming{defaultTarget: &only}
	wire := n.formatName("srv-a", "search")
	if wire != "search" {
		t.Fatalf("expected unprefixed wire name %q, got %q", "search", wire)
	}
	upstream, raw, err := n.parseResourceName(wire)
	if err != nil {
		t.Fatalf("parseResourceName: %v", err)
	}
	if upstream != only || raw != "search" {
		t.Errorf("round trip mismatch: upstream=%q raw=%q", upstream, raw)
	}
}

func TestParseResourceNameRejectsMissingSeparator(t *testing.T) {
	n := naming{defaultTarget: nil}
	_, _, err := n.parseResourceName("noseparator")
	if err == nil {
		t.Fatal("expected an error for a wire name with no upstream separator")
	}
}
