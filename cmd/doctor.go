package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/covscan/internal/artifacts"
	"github.com/CosmoTheDev/covscan/internal/config"
	"github.com/CosmoTheDev/covscan/internal/database"
	"github.com/CosmoTheDev/covscan/internal/process"
	"github.com/CosmoTheDev/covscan/internal/queue"
	"github.com/CosmoTheDev/covscan/internal/routing"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Verify tools, credentials, and system health",
	Long: `Checks that the database can be reached, the routing table loads, the
container runtime and build tool are installed, and that credentials and
webhook secrets are set.`,
	RunE: runDoctor,
}

type doctorCheck struct {
	okStyle   func(a ...interface{}) string
	warnStyle func(a ...interface{}) string
	failStyle func(a ...interface{}) string
	failed    bool
}

func (d *doctorCheck) ok(label, detail string) {
	fmt.Printf("%-24s %s %s\n", label, d.okStyle("OK"), detail)
}

func (d *doctorCheck) warn(label, detail string) {
	fmt.Printf("%-24s %s %s\n", label, d.warnStyle("WARN"), detail)
}

func (d *doctorCheck) fail(label string, err error) {
	d.failed = true
	fmt.Printf("%-24s %s %v\n", label, d.failStyle("FAIL"), err)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	d := &doctorCheck{
		okStyle:   color.New(color.FgGreen).SprintFunc(),
		warnStyle: color.New(color.FgYellow).SprintFunc(),
		failStyle: color.New(color.FgRed, color.Bold).SprintFunc(),
	}

	fmt.Println("=== covscan doctor ===")
	fmt.Println()

	db, err := database.New(cfg.Database)
	if err != nil {
		d.fail("Database", err)
	} else {
		if err := db.Ping(ctx); err != nil {
			d.fail("Database", err)
		} else {
			d.ok("Database", fmt.Sprintf("(%s)", db.Driver()))
		}
		db.Close()
	}

	if r, err := routing.New(cfg.Routing.File, defaultTarget(cfg)); err != nil {
		d.fail("Routing table", err)
	} else {
		snap := r.Snapshot()
		d.ok("Routing table", fmt.Sprintf("(%s, %d rules, %d targets)", snap.Source, len(snap.Rules()), len(snap.TargetIDs())))
		if t, ok := snap.Target(routing.DefaultTargetID); !ok || !t.Enabled {
			d.warn("Default target", "disabled; unrouted repositories notify nobody (set notify.default_target.endpoint)")
		} else {
			d.ok("Default target", fmt.Sprintf("(%s)", t.Kind))
		}
	}

	switch cfg.Queue.Backend {
	case "kafka":
		k, err := queue.NewKafka(cfg.Queue.Kafka)
		if err != nil {
			d.fail("Queue (kafka)", err)
		} else {
			_ = k.Close()
			d.ok("Queue (kafka)", fmt.Sprintf("(%v)", cfg.Queue.Kafka.Brokers))
		}
	default:
		d.ok("Queue", fmt.Sprintf("(%s)", backendName(cfg.Queue.Backend)))
	}

	inv := process.NewExec()
	docker := firstNonEmpty(cfg.Environment.Docker, "docker")
	if process.Available(ctx, inv, docker, "info", "--format", "{{.ServerVersion}}") {
		d.ok("Container runtime", fmt.Sprintf("(%s)", docker))
	} else {
		d.warn("Container runtime", fmt.Sprintf("(%s not running; only the local strategy will work)", docker))
	}

	tool := firstNonEmpty(cfg.Build.Tool, "mvn")
	if process.Available(ctx, inv, tool, "--version") {
		d.ok("Build tool", fmt.Sprintf("(%s)", tool))
	} else {
		d.warn("Build tool", fmt.Sprintf("(%s not found; local fallback will fail)", tool))
	}

	if process.Available(ctx, inv, "git", "--version") {
		d.ok("git", "")
	} else {
		d.warn("git", "(not found; builds that shell out to git may fail)")
	}

	switch {
	case len(cfg.Git.GitHub) > 0 && cfg.Git.GitHub[0].Token != "":
		d.ok("GitHub token", fmt.Sprintf("(%s)", firstNonEmpty(cfg.Git.GitHub[0].Host, "github.com")))
	case cfg.Git.ReportStatus:
		d.warn("GitHub token", "(not configured; commit statuses will be skipped)")
	default:
		d.warn("GitHub token", "(not configured; private repositories cannot be cloned)")
	}
	if len(cfg.Git.GitLab) > 0 && cfg.Git.GitLab[0].Token != "" {
		d.ok("GitLab token", fmt.Sprintf("(%s)", firstNonEmpty(cfg.Git.GitLab[0].Host, "gitlab.com")))
	}

	secrets := map[string]string{
		"github": cfg.Webhook.GitHubSecret,
		"gitlab": cfg.Webhook.GitLabToken,
		"gitee":  cfg.Webhook.GiteeSecret,
	}
	for _, p := range []string{"github", "gitlab", "gitee"} {
		label := "Webhook secret " + p
		if secrets[p] == "" {
			d.warn(label, fmt.Sprintf("(unset; /webhook/%s rejects every request)", p))
		} else {
			d.ok(label, "")
		}
	}

	if cfg.Storage.S3.Enabled() {
		if _, err := artifacts.NewS3Mirror(ctx, cfg.Storage.S3); err != nil {
			d.fail("S3 mirror", err)
		} else {
			d.ok("S3 mirror", fmt.Sprintf("(%s/%s)", cfg.Storage.S3.Endpoint, cfg.Storage.S3.Bucket))
		}
	}

	fmt.Println()
	if d.failed {
		fmt.Println(color.YellowString("Some checks failed. Edit the config with 'covscan config edit'."))
		return nil
	}
	fmt.Println(color.GreenString("All required checks passed. covscan is ready."))
	return nil
}
