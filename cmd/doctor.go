package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/engram0/engram/internal/app"
	"github.com/engram0/engram/internal/config"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose the service configuration and storage backend",
	Long: `Run a full startup cycle and report what happened: the effective
configuration (secrets masked), which backend was selected and whether
a fallback occurred, the dimension guard outcome, store statistics and
rate limiter state. Useful when the service refuses to start or ends
up on an unexpected backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDoctor(cmd)
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	fmt.Println("Configuration:")
	fmt.Printf("  %s\n\n", cfg.String())

	if err := cfg.Validate(); err != nil {
		fmt.Printf("Configuration invalid: %v\n", err)
		return err
	}
	fmt.Println("Configuration valid.")

	a, err := app.Setup(cmd.Context(), cfg)
	if err != nil {
		fmt.Printf("Startup failed: %v\n", err)
		return err
	}
	defer func() { _ = a.Close() }()

	fmt.Printf("\nBackend: %s", a.Backend.Name())
	if a.Selection.FellBack {
		fmt.Printf(" (fell back from %q: %s)", a.Selection.Requested, a.Selection.Reason)
	}
	fmt.Println()

	health := a.Health(cmd.Context())
	data, err := json.MarshalIndent(health, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding health report: %w", err)
	}
	fmt.Printf("\nHealth:\n%s\n", data)

	if health.Status != "healthy" {
		return fmt.Errorf("service is %s", health.Status)
	}
	return nil
}
