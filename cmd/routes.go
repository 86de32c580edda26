package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/covscan/internal/config"
	"github.com/CosmoTheDev/covscan/internal/routing"
)

var (
	routesURL  string
	routesName string
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Inspect the routing table",
}

var routesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List routing rules and notification targets",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := loadRoutes()
		if err != nil {
			return err
		}
		snap := r.Snapshot()
		fmt.Printf("Source: %s\n\n", snap.Source)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PATTERN\tSTRATEGY\tTIMEOUT\tTARGETS")
		for _, rule := range snap.Rules() {
			timeout := "-"
			if rule.TimeoutSeconds > 0 {
				timeout = fmt.Sprintf("%ds", rule.TimeoutSeconds)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				rule.Pattern, firstNonEmpty(rule.Strategy, "-"), timeout, strings.Join(rule.Targets, ","))
		}
		_ = w.Flush()

		fmt.Printf("\nTargets: %s\n", strings.Join(snap.TargetIDs(), ", "))
		return nil
	},
}

var routesResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Show which rule and scan config apply to a repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		if routesURL == "" && routesName == "" {
			return fmt.Errorf("--url or --name is required")
		}
		r, err := loadRoutes()
		if err != nil {
			return err
		}
		name := firstNonEmpty(routesName, repoNameFromURL(routesURL))
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r.Resolve(routesURL, name))
	},
}

func loadRoutes() (*routing.Resolver, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	r, err := routing.New(cfg.Routing.File, defaultTarget(cfg))
	if err != nil {
		return nil, fmt.Errorf("loading routing table: %w", err)
	}
	return r, nil
}

// defaultTarget backs the routing table's "default" target.
func defaultTarget(cfg *config.Config) routing.FileTarget {
	d := cfg.Notify.DefaultTarget
	return routing.FileTarget{Kind: d.Kind, Endpoint: d.Endpoint, Secret: d.Secret}
}

func init() {
	routesResolveCmd.Flags().StringVar(&routesURL, "url", "", "Repository clone URL")
	routesResolveCmd.Flags().StringVar(&routesName, "name", "", "Repository name (default: derived from --url)")
	routesCmd.AddCommand(routesListCmd, routesResolveCmd)
}
