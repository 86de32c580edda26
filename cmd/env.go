package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/covscan/internal/config"
	"github.com/CosmoTheDev/covscan/internal/environment"
	"github.com/CosmoTheDev/covscan/internal/process"
	"github.com/CosmoTheDev/covscan/models"
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Manage the shared build environment container",
}

var envStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe the shared environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := sharedEnvironment()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		printHandle(m.Name(), m.Probe(ctx))
		return nil
	},
}

var envUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the shared environment if it is not running",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := sharedEnvironment()
		if err != nil {
			return err
		}
		h, err := m.EnsureRunning(context.Background())
		if err != nil {
			return err
		}
		printHandle(m.Name(), h)
		return nil
	},
}

var envTeardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "Stop and remove the shared environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := sharedEnvironment()
		if err != nil {
			return err
		}
		m.Probe(context.Background())
		if err := m.Teardown(context.Background()); err != nil {
			return err
		}
		color.Green("Removed %s", m.Name())
		return nil
	},
}

func sharedEnvironment() (*environment.Manager, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return environment.NewManager(environmentOptions(cfg), process.NewExec()), nil
}

func printHandle(name string, h models.EnvironmentHandle) {
	state := color.New(color.FgRed).Sprint(h.State)
	if h.State == models.EnvRunning {
		state = color.New(color.FgGreen).Sprint(h.State)
	}
	fmt.Printf("Environment : %s\n", name)
	fmt.Printf("State       : %s\n", state)
	if h.ID != "" {
		fmt.Printf("Container   : %s\n", h.ID)
	}
	if !h.StartedAt.IsZero() {
		fmt.Printf("Started     : %s (%s ago)\n", h.StartedAt.Format(time.RFC3339), time.Since(h.StartedAt).Round(time.Second))
	}
	if verbose {
		_ = json.NewEncoder(os.Stdout).Encode(h)
	}
}

func init() {
	envCmd.AddCommand(envStatusCmd, envUpCmd, envTeardownCmd)
}
