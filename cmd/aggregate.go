package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/covscan/internal/coverage"
)

var aggregateJSON bool

var aggregateCmd = &cobra.Command{
	Use:   "aggregate <jacoco.xml>...",
	Short: "Summarise one or more JaCoCo XML reports",
	Long: `Reads JaCoCo XML reports and prints one percentage per counter type,
summing the report-level counters of every file. Useful for checking what a
notification would say without running a build.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sum, err := coverage.Aggregate(args...)
		if errors.Is(err, coverage.ErrReportUnavailable) {
			color.Yellow("No usable coverage data: %v", err)
			return err
		}
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if aggregateJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(sum)
		}
		fmt.Fprintf(out, "Coverage of %d report(s):\n", len(args))
		printCoverage(out, sum)
		return nil
	},
}

func init() {
	aggregateCmd.Flags().BoolVar(&aggregateJSON, "json", false, "Print the summary as JSON")
}
