package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/covscan/internal/pipeline"
	"github.com/CosmoTheDev/covscan/internal/repository"
	"github.com/CosmoTheDev/covscan/models"
)

var (
	scanRepoURL  string
	scanName     string
	scanCommit   string
	scanBranch   string
	scanStrategy string
	scanJSON     bool
	scanKeep     bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a coverage scan for one commit in the foreground",
	Long: `Runs the full pipeline for one repository commit without the daemon:
routing, checkout, coverage build with strategy fallback and retries,
aggregation, report storage and notification.

Examples:
  covscan scan --repo git@github.com:acme/api.git --commit 1a2b3c4d --branch main
  covscan scan --repo https://gitlab.com/acme/web.git --branch develop --strategy local
  covscan scan --repo https://github.com/acme/api.git --json`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanRepoURL, "repo", "", "Repository clone URL (required)")
	scanCmd.Flags().StringVar(&scanName, "name", "", "Repository name used for routing (default: derived from URL)")
	scanCmd.Flags().StringVar(&scanCommit, "commit", "", "Commit to scan (default: branch tip)")
	scanCmd.Flags().StringVar(&scanBranch, "branch", "main", "Branch the commit belongs to")
	scanCmd.Flags().StringVar(&scanStrategy, "strategy", "", "Override execution strategy: shared|isolated|local")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "Print the report as JSON")
	scanCmd.Flags().BoolVar(&scanKeep, "keep-workspace", false, "Leave the job workspace in place")
	_ = scanCmd.MarkFlagRequired("repo")
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := buildStack(ctx, cfg, stackOptions{queueBackend: "memory", keepWorkspace: scanKeep})
	if err != nil {
		return err
	}
	defer s.Close()

	provider, _ := repository.DetectProvider(scanRepoURL)
	ev := models.PushEvent{
		Provider:     provider,
		RepoURL:      scanRepoURL,
		RepoName:     firstNonEmpty(scanName, repoNameFromURL(scanRepoURL)),
		CommitID:     scanCommit,
		Branch:       scanBranch,
		RawEventType: "manual",
	}

	job, match := s.pipeline.Accept(ctx, ev)
	if scanStrategy != "" {
		switch st := models.ExecutionStrategy(scanStrategy); st {
		case models.StrategyShared, models.StrategyIsolated, models.StrategyLocal:
			job.Config.ExecutionStrategy = st
		default:
			return fmt.Errorf("invalid strategy %q (valid: shared, isolated, local)", scanStrategy)
		}
	}

	if !scanJSON {
		fmt.Printf("Scanning %s @ %s (%s)\n", ev.RepoName, firstNonEmpty(ev.ShortCommit(), "tip"), ev.Branch)
		fmt.Printf("Request: %s | Route: %s %s | Strategy: %s | Retries: %d\n\n",
			job.RequestID, match.Kind, match.Pattern, job.Config.ExecutionStrategy, job.Config.MaxRetries)
	}

	rep, err := s.pipeline.RunInline(ctx, job)
	if err != nil {
		return fmt.Errorf("scan interrupted: %w", err)
	}

	if scanJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	printScanReport(rep)
	if rep.Outcome.Kind == models.OutcomeFailed {
		return fmt.Errorf("scan failed: %s", rep.Outcome.Failure)
	}
	return nil
}

func printScanReport(rep pipeline.Report) {
	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed, color.Bold).SprintFunc()

	fmt.Println(bold("=== Scan Result ==="))
	fmt.Printf("State    : %s\n", rep.Result.State)
	fmt.Printf("Strategy : %s\n", firstNonEmpty(string(rep.Result.StrategyUsed), "-"))
	if rep.Result.FellBack {
		fmt.Printf("Source   : %s\n", color.YellowString("commit not found, built branch tip"))
	}
	fmt.Printf("Attempts : %d\n", rep.Job.Attempt+1)

	switch rep.Outcome.Kind {
	case models.OutcomeCompleted:
		fmt.Printf("Outcome  : %s\n\n", green("completed"))
		printCoverage(os.Stdout, *rep.Outcome.Summary)
	case models.OutcomeCompletedNoReport:
		fmt.Printf("Outcome  : %s\n", yellow("no coverage report"))
		fmt.Printf("Reason   : %s\n", rep.Outcome.Error)
	default:
		fmt.Printf("Outcome  : %s (%s)\n", red("failed"), rep.Outcome.Failure)
		fmt.Printf("Error    : %s\n", rep.Outcome.Error)
	}
	if rep.Saved.XMLPath != "" {
		fmt.Printf("\nReport   : %s\n", rep.Saved.XMLPath)
	}
	if rep.Saved.URL != "" {
		fmt.Printf("Link     : %s\n", rep.Saved.URL)
	}
}

func printCoverage(w io.Writer, sum models.CoverageSummary) {
	for _, t := range models.CounterTypes {
		pct := sum.Get(t)
		c := color.New(color.FgRed)
		switch {
		case pct >= 80:
			c = color.New(color.FgGreen)
		case pct >= 50:
			c = color.New(color.FgYellow)
		}
		fmt.Fprintf(w, "  %-12s %s\n", strings.ToLower(string(t)), c.Sprintf("%6.2f%%", pct))
	}
}

func repoNameFromURL(u string) string {
	u = strings.TrimSuffix(strings.TrimRight(u, "/"), ".git")
	if i := strings.LastIndexAny(u, "/:"); i >= 0 {
		return u[i+1:]
	}
	return u
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
