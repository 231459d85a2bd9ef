package relay

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// ResourceType discriminates the kind of resource an authorization rule
// applies to.
type ResourceType string

const (
	ResourceTool             ResourceType = "tool"
	ResourcePrompt           ResourceType = "prompt"
	ResourceResource         ResourceType = "resource"
	ResourceResourceTemplate ResourceType = "resource_template"
)

// PolicyEffect is a rule's outcome when its expression evaluates true.
type PolicyEffect int

const (
	PolicyAllow PolicyEffect = iota
	PolicyDeny
)

// PolicyRuleConfig is one authorization rule's on-disk shape: a CEL
// boolean expression over `identity`, `server`, `resource_type`, and
// `resource_name`, scoped to zero or more resource types (empty applies to
// every type).
type PolicyRuleConfig struct {
	ResourceTypes []ResourceType `json:"resource_types,omitempty"`
	Expression    string         `json:"expression"`
	Effect        string         `json:"effect"` // "allow" | "deny"
}

type policyRule struct {
	types  map[ResourceType]bool // nil means "applies to all"
	prg    cel.Program
	effect PolicyEffect
}

// PolicySet is the compiled authorization policy the Relay consults before
// folding a tool/prompt/resource into a merged list. An empty PolicySet
// allows everything: authorization is opt-in, so no policy configured
// means no restriction.
type PolicySet struct {
	rules []policyRule
}

var celEnv = func() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("identity", cel.StringType),
		cel.Variable("server", cel.StringType),
		cel.Variable("resource_type", cel.StringType),
		cel.Variable("resource_name", cel.StringType),
	)
	if err != nil {
		panic(fmt.Sprintf("relay: build CEL env: %v", err))
	}
	return env
}()

// CompilePolicySet compiles a list of rule configs in priority order (first
// matching rule wins).
func CompilePolicySet(configs []PolicyRuleConfig) (*PolicySet, error) {
	ps := &PolicySet{rules: make([]policyRule, 0, len(configs))}
	for i, rc := range configs {
		ast, iss := celEnv.Compile(rc.Expression)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("compile policy rule %d: %w", i, iss.Err())
		}
		prg, err := celEnv.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("build policy rule %d program: %w", i, err)
		}
		effect := PolicyAllow
		if rc.Effect == "deny" {
			effect = PolicyDeny
		}
		var types map[ResourceType]bool
		if len(rc.ResourceTypes) > 0 {
			types = make(map[ResourceType]bool, len(rc.ResourceTypes))
			for _, t := range rc.ResourceTypes {
				types[t] = true
			}
		}
		ps.rules = append(ps.rules, policyRule{types: types, prg: prg, effect: effect})
	}
	return ps, nil
}

// Evaluate reports whether identity may see/use the named resource on the
// given upstream server. No matching rule defaults to allow.
func (ps *PolicySet) Evaluate(resourceType ResourceType, identity, server, resourceName string) (bool, error) {
	if ps == nil {
		return true, nil
	}
	for _, r := range ps.rules {
		if r.types != nil && !r.types[resourceType] {
			continue
		}
		out, _, err := r.prg.Eval(map[string]any{
			"identity":      identity,
			"server":        server,
			"resource_type": string(resourceType),
			"resource_name": resourceName,
		})
		if err != nil {
			return false, fmt.Errorf("evaluate policy rule: %w", err)
		}
		matched, ok := out.Value().(bool)
		if !ok || !matched {
			continue
		}
		return r.effect == PolicyAllow, nil
	}
	return true, nil
}
