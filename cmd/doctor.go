package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/lacehq/lace/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd)
		},
	}
}

func runDoctor(cmd *cobra.Command) error {
	fmt.Println("lace doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := config.ExpandHome(resolveConfigPath())
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (not found, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return nil
	}

	fmt.Println()
	fmt.Println("  Database:")
	fmt.Printf("    Backend:  %s\n", cfg.Database.Backend)
	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		fmt.Printf("    Status:   OPEN FAILED (%s)\n", err)
	} else {
		threads, listErr := st.ListThreads(cmd.Context())
		if listErr != nil {
			fmt.Printf("    Status:   QUERY FAILED (%s)\n", listErr)
		} else {
			fmt.Printf("    Status:   OK (%d threads)\n", len(threads))
		}
		st.Close()
	}

	fmt.Println()
	fmt.Println("  Providers:")
	checkKey := func(name, key string) {
		if key == "" {
			fmt.Printf("    %-10s no API key\n", name+":")
		} else {
			fmt.Printf("    %-10s configured\n", name+":")
		}
	}
	checkKey("anthropic", cfg.Providers.Anthropic.APIKey)
	checkKey("openai", cfg.Providers.OpenAI.APIKey)
	if cfg.Providers.Anthropic.APIKey == "" && cfg.Providers.OpenAI.APIKey == "" {
		fmt.Println("    WARNING: no provider configured; chat will not start")
	}

	fmt.Println()
	fmt.Println("  Workspace:")
	ws := cfg.WorkspacePath()
	fmt.Printf("    Path:     %s", ws)
	if info, err := os.Stat(ws); err != nil {
		fmt.Println(" (will be created on first run)")
	} else if !info.IsDir() {
		fmt.Println(" (NOT A DIRECTORY)")
	} else {
		fmt.Println(" (OK)")
	}

	if cfg.Telemetry.Enabled {
		fmt.Println()
		fmt.Printf("  Telemetry: %s via %s\n", cfg.Telemetry.Endpoint, cfg.Telemetry.Protocol)
	}
	return nil
}
