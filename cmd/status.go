package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/crystaldolphin/replyflow/internal/dependency"
	"github.com/crystaldolphin/replyflow/internal/providers"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show replyflow status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfgPath := configPath()

	fmt.Printf("%s replyflow Status\n\n", logo)

	_, statErr := os.Stat(cfgPath)
	cfgMark := "✗"
	if statErr == nil {
		cfgMark = "✓"
	}
	fmt.Printf("Config:    %s %s\n", cfgPath, cfgMark)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("  (could not load config: %v)\n", err)
		return nil
	}

	spec := providers.Resolve(cfg.LLM.Provider, cfg.LLM.APIKey, cfg.LLM.APIBase, cfg.LLM.Model)
	keyMark := "(not set)"
	if cfg.LLM.APIKey != "" {
		keyMark = "✓"
	}
	fmt.Printf("Model:     %s via %s %s\n", cfg.LLM.Model, spec.Label(), keyMark)
	fmt.Printf("Embedding: %s\n", onOff(cfg.Embedding.Enabled))
	fmt.Printf("Judge:     gate %s, dedup %s\n", onOff(cfg.Judge.GateEnabled), onOff(cfg.Judge.DedupEnabled))
	fmt.Printf("Store:     %s\n", cfg.Store.Backend)
	if cfg.Server.Enabled {
		fmt.Printf("Server:    ws://%s%s\n", cfg.Server.Listen, cfg.Server.Path)
	} else {
		fmt.Printf("Server:    off\n")
	}

	container, err := dependency.New(cmd.Context(), cfg)
	if err != nil {
		fmt.Printf("\n  (store unavailable: %v)\n", err)
		return nil
	}
	defer container.Close()

	status := container.Status()
	keys := make([]string, 0, len(status))
	for k := range status {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Println("\nRuntime:")
	for _, k := range keys {
		fmt.Printf("  %-20s %v\n", k, status[k])
	}
	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
