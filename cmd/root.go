package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"vellum/internal/app"
	"vellum/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "vellum",
	Short: "Vellum document pipeline CLI",
	Long: `Vellum schedules document ingestion jobs through an OCR, embedding and
enrichment pipeline, and keeps the relational and vector stores consistent.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	// PersistentPreRunE runs before any subcommand's RunE
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		appInstance, err := app.NewApp(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize app: %w", err)
		}

		ctx := context.WithValue(cmd.Context(), appKey, appInstance)
		cmd.SetContext(ctx)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Custom context key type to avoid collisions.
type contextKey string

const appKey contextKey = "app"

// GetAppFromContext retrieves the app instance stored by PersistentPreRunE.
func GetAppFromContext(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application instance not found in context")
	}
	return appInstance, nil
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check store connectivity and other diagnostics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		appInstance, err := GetAppFromContext(ctx)
		if err != nil {
			return err
		}

		fmt.Println("Checking relational store connectivity...")
		if err := appInstance.DocumentStore.Ping(ctx); err != nil {
			return fmt.Errorf("relational store ping failed: %w", err)
		}
		fmt.Println("Checking vector store connectivity...")
		if err := appInstance.VectorStore.Ping(ctx); err != nil {
			return fmt.Errorf("vector store ping failed: %w", err)
		}
		fmt.Println("All stores reachable.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
