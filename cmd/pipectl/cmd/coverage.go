package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var coverageHours int

var coverageCmd = &cobra.Command{
	Use:   "coverage",
	Short: "Show pipeline coverage for upcoming matches",
	RunE:  runCoverage,
}

func init() {
	coverageCmd.Flags().IntVar(&coverageHours, "hours", 24, "look-ahead window in hours")
	rootCmd.AddCommand(coverageCmd)
}

type gapRow struct {
	MatchID           string   `json:"matchId"`
	HomeTeam          string   `json:"homeTeam"`
	AwayTeam          string   `json:"awayTeam"`
	KickoffAt         string   `json:"kickoffAt"`
	HoursUntilKickoff float64  `json:"hoursUntilKickoff"`
	MissingJobs       []string `json:"missingJobs"`
}

type pipelineHealthResult struct {
	Summary struct {
		Percentage     float64 `json:"percentage"`
		TotalMatches   int     `json:"totalMatches"`
		CoveredMatches int     `json:"coveredMatches"`
		WindowHours    int     `json:"windowHours"`
	} `json:"summary"`
	GapsBySeverity map[string]int      `json:"gapsBySeverity"`
	Matches        map[string][]gapRow `json:"matches"`
}

func runCoverage(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/admin/pipeline-health?hours=%d", GetServerURL(), coverageHours)

	body, err := doRequest("GET", url, nil, http.StatusOK)
	if err != nil {
		return err
	}

	var result pipelineHealthResult
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	fmt.Printf("Coverage: %.2f%% (%d/%d matches, next %dh)\n\n",
		result.Summary.Percentage,
		result.Summary.CoveredMatches,
		result.Summary.TotalMatches,
		result.Summary.WindowHours)

	totalGaps := 0
	for _, n := range result.GapsBySeverity {
		totalGaps += n
	}
	if totalGaps == 0 {
		fmt.Println("No coverage gaps.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Severity", "Match", "Fixture", "Kickoff", "Hours Left", "Missing")
	for _, severity := range []string{"critical", "warning", "info"} {
		for _, g := range result.Matches[severity] {
			table.Append(severity, g.MatchID,
				fmt.Sprintf("%s vs %s", g.HomeTeam, g.AwayTeam),
				g.KickoffAt,
				fmt.Sprintf("%.1f", g.HoursUntilKickoff),
				fmt.Sprintf("%v", g.MissingJobs))
		}
	}
	table.Render()
	return nil
}
