package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-guard/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("goclaw-guard doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults will be used)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Upstreams:")
	if len(cfg.Upstreams) == 0 {
		fmt.Println("    (none configured)")
	}
	for name, up := range cfg.Upstreams {
		switch up.Transport {
		case "stdio":
			fmt.Printf("    %-16s stdio   %s\n", name+":", up.Command)
		default:
			fmt.Printf("    %-16s %-7s %s\n", name+":", up.Transport, up.URL)
		}
	}

	fmt.Println()
	fmt.Println("  Guard chains:")
	if len(cfg.Guards) == 0 {
		fmt.Println("    (none configured)")
	}
	for backend, guards := range cfg.Guards {
		enabled := 0
		for _, g := range guards {
			if g.Enabled {
				enabled++
			}
		}
		fmt.Printf("    %-16s %d guard(s), %d enabled\n", backend+":", len(guards), enabled)
	}

	fmt.Println()
	fmt.Println("  Database:")
	if cfg.Database.Driver == "" {
		fmt.Println("    Mode:        disabled (revision history off)")
	} else {
		fmt.Printf("    Driver:      %s\n", cfg.Database.Driver)
		if cfg.Database.DSN == "" {
			fmt.Println("    Status:      DSN not set (GOCLAW_GUARD_DATABASE_DSN)")
		} else {
			fmt.Println("    Status:      DSN configured")
		}
	}

	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    Listen:      %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	if cfg.Gateway.Token == "" {
		fmt.Println("    Auth:        (no bearer token set — management API is open)")
	} else {
		fmt.Println("    Auth:        bearer token configured")
	}

	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("docker")
	checkBinary("git")

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
