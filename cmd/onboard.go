package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crystaldolphin/replyflow/internal/config"
)

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Write a config file with every default filled in",
	RunE:  runOnboard,
}

func runOnboard(_ *cobra.Command, _ []string) error {
	cfgPath := configPath()

	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Printf("Config already exists at %s\n", cfgPath)
		fmt.Printf("Press Enter to refresh (keep existing values) or Ctrl+C to cancel: ")
		fmt.Scanln()
		existing, loadErr := config.Load(cfgPath)
		if loadErr != nil {
			def := config.DefaultConfig()
			existing = &def
		}
		if err := config.Save(existing, cfgPath); err != nil {
			return err
		}
		fmt.Printf("✓ Config refreshed at %s\n", cfgPath)
	} else {
		cfg := config.DefaultConfig()
		if err := config.Save(&cfg, cfgPath); err != nil {
			return err
		}
		fmt.Printf("✓ Created config at %s\n", cfgPath)
	}

	dataDir := config.DataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	fmt.Printf("✓ Data directory at %s\n", dataDir)

	fmt.Printf("\n%s replyflow is ready!\n\n", logo)
	fmt.Println("Next steps:")
	fmt.Printf("  1. Set llm.apiKey in %s (or export %s_LLM_API_KEY)\n", cfgPath, config.EnvPrefix)
	fmt.Println("  2. Try it: replyflow console")
	fmt.Println("  3. Serve it: replyflow serve")
	return nil
}
