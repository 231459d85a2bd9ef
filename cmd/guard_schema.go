package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-guard/internal/guard"
	_ "github.com/nextlevelbuilder/goclaw-guard/internal/guard/native" // registers native guard kinds
)

// nativeKindsForSchema lists every native guard kind this command prints a
// schema for. The wasm kind is omitted: its schema comes from the guest
// module, which this offline command has no module_path for.
var nativeKindsForSchema = []guard.Kind{
	guard.KindToolPoisoning,
	guard.KindRugPull,
	guard.KindToolShadowing,
	guard.KindServerWhitelist,
	guard.KindPII,
}

func guardSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "guard-schema",
		Short: "Print the settings schema and default config for every native guard kind",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGuardSchema()
		},
	}
}

// runGuardSchema builds a throwaway Executor over one minimal config per
// native kind and prints its Schemas() output — the same {settings_schema,
// default_config} shape the Schema API (C7) serves to the UI collaborator,
// but reachable offline without a running gateway or a wasm module on disk.
func runGuardSchema() error {
	configs := make([]guard.Config, 0, len(nativeKindsForSchema))
	for i, kind := range nativeKindsForSchema {
		configs = append(configs, guard.Config{
			ID:      fmt.Sprintf("schema-probe-%d", i),
			Type:    kind,
			Enabled: true,
			Payload: json.RawMessage("{}"),
		})
	}

	exec, err := guard.NewExecutor(slog.New(slog.NewTextHandler(os.Stderr, nil)), configs)
	if err != nil {
		return fmt.Errorf("build guard schema probe: %w", err)
	}

	schemas := exec.Schemas()
	out := make(map[string]guard.GuardSchema, len(nativeKindsForSchema))
	for i, kind := range nativeKindsForSchema {
		out[string(kind)] = schemas[fmt.Sprintf("schema-probe-%d", i)]
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
