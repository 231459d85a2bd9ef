// Package relay implements the gateway's multiplexer: it holds the ordered
// upstream connections, drives the Initialize/ToolsList merges, and routes
// single-target and fan-out sends through the guard chain each upstream's
// backend is configured with.
package relay

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/goclaw-guard/pkg/protocol"
)

// naming implements the resource-naming rule. When defaultTarget is
// non-nil every external name is the sole upstream's
// raw name; otherwise wire names are "<upstream>_<raw>" and parsing splits
// on the first underscore.
type naming struct {
	defaultTarget *string
}

// computeDefaultTarget implements "None if more than one upstream or the
// sole upstream demands prefixing; otherwise that upstream's name".
func computeDefaultTarget(upstreams []*upstreamHandle) *string {
	if len(upstreams) != 1 {
		return nil
	}
	u := upstreams[0]
	if u.alwaysPrefix {
		return nil
	}
	name := u.name
	return &name
}

// parseResourceName splits an external wire name into (upstream, raw).
func (n naming) parseResourceName(wire string) (upstream, raw string, err error) {
	if n.defaultTarget != nil {
		return *n.defaultTarget, wire, nil
	}
	idx := strings.IndexByte(wire, '_')
	if idx < 0 {
		return "", "", &protocol.Error{Code: protocol.ErrCodeInvalidRequest, Message: fmt.Sprintf("no upstream separator in resource name %q", wire)}
	}
	return wire[:idx], wire[idx+1:], nil
}

// formatName is parseResourceName's inverse: the external wire name for a
// raw upstream-local name.
func (n naming) formatName(upstream, raw string) string {
	if n.defaultTarget != nil {
		return raw
	}
	return upstream + "_" + raw
}
