package cmd

import (
	"fmt"

	"github.com/docgraph/docgraph/internal/config"
)

func runVersion() error {
	fmt.Printf("docgraph %s\n", AppVersion)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n", GitCommit)

	cfg, err := config.Load()
	if err != nil {
		// Version must work even without a valid config.
		fmt.Printf("\nConfiguration: unavailable (%v)\n", err)
		return nil
	}

	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Printf("  Embedder: %s (%d dimensions)\n", cfg.EmbedderModel, cfg.EmbedderDimension)
	fmt.Printf("  Database: %s:%d/%s\n", cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresDBName)
	fmt.Printf("  Debounce: %dms\n", cfg.Sync.DebounceMs)
	fmt.Printf("  Projects: %d\n", len(cfg.Projects))
	return nil
}
