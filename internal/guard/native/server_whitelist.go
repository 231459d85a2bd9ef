package native

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/nextlevelbuilder/goclaw-guard/internal/guard"
)

// ServerWhitelistConfig configures the ServerWhitelist guard: the allowed
// server names, optional URL patterns, and typosquat-distance check.
type ServerWhitelistConfig struct {
	AllowedServers     []string `json:"allowed_servers"`
	AllowedURLPatterns []string `json:"allowed_url_patterns,omitempty"`
	TyposquatCheck     bool     `json:"typosquat_check"`
	TyposquatDistance  int      `json:"typosquat_distance"`
}

func defaultServerWhitelistConfig() ServerWhitelistConfig {
	return ServerWhitelistConfig{TyposquatCheck: true, TyposquatDistance: 2}
}

// ServerWhitelist runs on the Connection phase and denies a server whose
// name isn't in the allowlist, whose URL doesn't match an allowed pattern,
// or whose name is suspiciously close (edit-distance) to an allowed one.
type ServerWhitelist struct {
	guard.BaseGuard
	cfg ServerWhitelistConfig
}

// NewServerWhitelist builds a ServerWhitelist guard from its flattened
// config payload.
func NewServerWhitelist(base guard.Config) (*ServerWhitelist, error) {
	cfg := defaultServerWhitelistConfig()
	if err := decodeStrict(base.Payload, &cfg); err != nil {
		return nil, err
	}
	return &ServerWhitelist{BaseGuard: guard.NewBaseGuard(base), cfg: cfg}, nil
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			curr[j] = m
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func (g *ServerWhitelist) isAllowedServer(name string) bool {
	for _, s := range g.cfg.AllowedServers {
		if s == name {
			return true
		}
	}
	return false
}

func (g *ServerWhitelist) isAllowedURL(url string) bool {
	if len(g.cfg.AllowedURLPatterns) == 0 {
		return true
	}
	for _, pattern := range g.cfg.AllowedURLPatterns {
		if ok, _ := path.Match(pattern, url); ok {
			return true
		}
		if strings.Contains(url, strings.TrimSuffix(pattern, "*")) {
			return true
		}
	}
	return false
}

func (g *ServerWhitelist) closestTyposquat(name string) (string, int) {
	best, bestDist := "", -1
	for _, allowed := range g.cfg.AllowedServers {
		d := levenshtein(strings.ToLower(name), strings.ToLower(allowed))
		if bestDist == -1 || d < bestDist {
			best, bestDist = allowed, d
		}
	}
	return best, bestDist
}

// EvaluateConnection implements the membership and typosquat checks.
func (g *ServerWhitelist) EvaluateConnection(_ context.Context, serverName string, serverURL *string, _ guard.GuardContext) (guard.Decision, error) {
	if g.isAllowedServer(serverName) {
		if serverURL != nil && !g.isAllowedURL(*serverURL) {
			return guard.Deny("server_not_whitelisted", fmt.Sprintf("server %q URL %q does not match any allowed pattern", serverName, *serverURL), nil), nil
		}
		return guard.Allow, nil
	}

	if g.cfg.TyposquatCheck && len(g.cfg.AllowedServers) > 0 {
		closest, dist := g.closestTyposquat(serverName)
		if dist >= 0 && dist <= g.cfg.TyposquatDistance {
			return guard.Deny("server_typosquat_suspected",
				fmt.Sprintf("server %q is suspiciously similar to whitelisted server %q (distance %d)", serverName, closest, dist),
				map[string]any{"server": serverName, "closest_match": closest, "distance": dist}), nil
		}
	}

	return guard.Deny("server_not_whitelisted", fmt.Sprintf("server %q is not in the allowed server list", serverName), nil), nil
}

func (g *ServerWhitelist) SettingsSchema() json.RawMessage { return schemaFor(ServerWhitelistConfig{}) }
func (g *ServerWhitelist) DefaultConfig() json.RawMessage {
	b, _ := json.Marshal(defaultServerWhitelistConfig())
	return b
}
