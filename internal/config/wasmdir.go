package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/goclaw-guard/internal/guard"
)

// ScanWasmDir builds one enabled wasm-kind guard.Config per *.wasm file
// directly inside dir (non-recursive), for the wasm_guard_dir supplement
// (SPEC_FULL "WASM guard directory scanning"): an operator drops a compiled
// guest module into the directory and it becomes a guard without a config
// file edit, picked up by the same fsnotify watch that drives hot-reload
// (internal/config.Watcher already watches this directory).
//
// Every discovered module runs on every phase at a low priority (so
// explicitly configured native guards, which default to priority 0 unless
// set otherwise, still run first) and fails open, since an operator
// dropping in a new experimental guard should not be able to accidentally
// wedge a backend closed.
func ScanWasmDir(dir string) ([]guard.Config, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan wasm guard directory %q: %w", dir, err)
	}

	var out []guard.Config
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".wasm") {
			continue
		}
		id := strings.TrimSuffix(ent.Name(), ".wasm")
		modulePath := filepath.Join(dir, ent.Name())

		payload, err := json.Marshal(struct {
			ID          string        `json:"id"`
			Type        guard.Kind    `json:"type"`
			Priority    uint32        `json:"priority"`
			FailureMode guard.FailureMode `json:"failure_mode"`
			RunsOn      []guard.Phase `json:"runs_on"`
			Enabled     bool          `json:"enabled"`
			ModulePath  string        `json:"module_path"`
		}{
			ID:          "wasm_dir_" + id,
			Type:        guard.KindWasm,
			Priority:    900,
			FailureMode: guard.FailOpen,
			RunsOn: []guard.Phase{
				guard.PhaseConnection, guard.PhaseRequest, guard.PhaseResponse,
				guard.PhaseToolsList, guard.PhaseToolInvoke,
			},
			Enabled:    true,
			ModulePath: modulePath,
		})
		if err != nil {
			return nil, fmt.Errorf("encode wasm_dir guard config for %q: %w", ent.Name(), err)
		}

		var cfg guard.Config
		if err := json.Unmarshal(payload, &cfg); err != nil {
			return nil, fmt.Errorf("decode wasm_dir guard config for %q: %w", ent.Name(), err)
		}
		out = append(out, cfg)
	}
	return out, nil
}
