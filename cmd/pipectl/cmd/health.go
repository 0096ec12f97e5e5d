package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check pipeline health",
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/health", GetServerURL())

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := GetHTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to pipeline API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var result struct {
		Status        string `json:"status"`
		Redis         string `json:"redis"`
		MatchCoverage *struct {
			Percentage     float64 `json:"percentage"`
			TotalMatches   int     `json:"totalMatches"`
			CoveredMatches int     `json:"coveredMatches"`
		} `json:"matchCoverage"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		fmt.Println(string(body))
	} else {
		fmt.Printf("Status: %s\n", result.Status)
		fmt.Printf("Broker: %s\n", result.Redis)
		if result.MatchCoverage != nil {
			fmt.Printf("Coverage: %.2f%% (%d/%d matches)\n",
				result.MatchCoverage.Percentage,
				result.MatchCoverage.CoveredMatches,
				result.MatchCoverage.TotalMatches)
		}
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pipeline is unhealthy (status %d)", resp.StatusCode)
	}
	return nil
}
