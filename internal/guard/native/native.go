// Package native implements the built-in guard kinds: ToolPoisoning,
// RugPull, ToolShadowing, ServerWhitelist, and the PII guard. Each wraps
// guard.BaseGuard and overrides only the evaluation hooks it needs, relying
// on BaseGuard's default-Allow bodies for every phase it doesn't care about.
package native

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/nextlevelbuilder/goclaw-guard/internal/guard"
)

// init registers every native guard kind's constructor with the package-
// global executor build table, so internal/guard never imports this
// package directly.
func init() {
	guard.RegisterKind(guard.KindToolPoisoning, func(cfg guard.Config) (guard.Guard, error) { return NewToolPoisoning(cfg) })
	guard.RegisterKind(guard.KindRugPull, func(cfg guard.Config) (guard.Guard, error) { return NewRugPull(cfg) })
	guard.RegisterKind(guard.KindToolShadowing, func(cfg guard.Config) (guard.Guard, error) { return NewToolShadowing(cfg) })
	guard.RegisterKind(guard.KindServerWhitelist, func(cfg guard.Config) (guard.Guard, error) { return NewServerWhitelist(cfg) })
	guard.RegisterKind(guard.KindPII, func(cfg guard.Config) (guard.Guard, error) { return NewPIIGuard(cfg) })
}

// envelopeFields are the common Config fields present in every guard's raw
// payload (guard.Config flattens kind-specific fields into the same JSON
// object). They must be stripped before a strict, unknown-fields-rejecting
// decode into a kind-specific struct that doesn't itself declare them.
var envelopeFields = map[string]bool{
	"id": true, "type": true, "description": true, "priority": true,
	"failure_mode": true, "timeout_ms": true, "runs_on": true, "enabled": true,
}

// fieldNames collects the json tag names dst's struct fields declare, so
// decodeStrict only strips envelope keys a kind-specific struct doesn't
// already claim for itself (RugPullConfig, for instance, has its own
// "enabled" field).
func fieldNames(dst any) map[string]bool {
	t := reflect.TypeOf(dst)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	out := map[string]bool{}
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		name := strings.Split(tag, ",")[0]
		if name != "" && name != "-" {
			out[name] = true
		}
	}
	return out
}

// decodeStrict decodes payload into dst, rejecting unknown JSON fields: a
// typo in a native guard's config should fail loudly at load time, not
// silently no-op. payload is the full flattened guard-config object, so the
// common envelope fields are stripped first unless dst declares them itself.
func decodeStrict(payload []byte, dst any) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return fmt.Errorf("decode guard config: %w", err)
	}
	declared := fieldNames(dst)
	for k := range raw {
		if envelopeFields[k] && !declared[k] {
			delete(raw, k)
		}
	}
	filtered, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("decode guard config: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(filtered))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode guard config: %w", err)
	}
	return nil
}

// schemaFor derives a minimal JSON-schema-shaped document from a Go config
// struct's fields and json tags, so every native guard kind reports a real
// schema instead of a UI-embedded stub.
func schemaFor(cfg any) json.RawMessage {
	t := reflect.TypeOf(cfg)
	properties := map[string]any{}
	var required []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		name := strings.Split(tag, ",")[0]
		if name == "" || name == "-" {
			continue
		}
		properties[name] = map[string]string{"type": jsonSchemaType(f.Type.Kind())}
		if !strings.Contains(tag, "omitempty") {
			required = append(required, name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	return b
}

func jsonSchemaType(k reflect.Kind) string {
	switch k {
	case reflect.Bool:
		return "boolean"
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct, reflect.Ptr:
		return "object"
	default:
		return "string"
	}
}
