package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Manage settlement failures",
}

var failuresListCmd = &cobra.Command{
	Use:   "list",
	Short: "List failed settlement jobs and dead-letter entries",
	RunE:  runFailuresList,
}

var failuresRetryCmd = &cobra.Command{
	Use:   "retry <matchId>",
	Short: "Clear all settlement jobs for a match and enqueue a fresh one",
	Args:  cobra.ExactArgs(1),
	RunE:  runFailuresRetry,
}

var failuresClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Purge failed settlement jobs and dead-letter entries without retrying",
	RunE:  runFailuresClear,
}

func init() {
	failuresCmd.AddCommand(failuresListCmd)
	failuresCmd.AddCommand(failuresRetryCmd)
	failuresCmd.AddCommand(failuresClearCmd)
	rootCmd.AddCommand(failuresCmd)
}

type failureRow struct {
	JobID        string `json:"jobId"`
	MatchID      string `json:"matchId"`
	Source       string `json:"source"`
	FailedReason string `json:"failedReason"`
	AttemptsMade int    `json:"attemptsMade"`
	Timestamp    string `json:"timestamp"`
}

type failuresListResponse struct {
	TotalFailures int          `json:"totalFailures"`
	FromQueue     int          `json:"fromQueue"`
	FromDlq       int          `json:"fromDlq"`
	Failures      []failureRow `json:"failures"`
}

func runFailuresList(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/admin/settlement-failures", GetServerURL())

	body, err := doRequest("GET", url, nil, http.StatusOK)
	if err != nil {
		return err
	}

	var result failuresListResponse
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

	if result.TotalFailures == 0 {
		fmt.Println("No settlement failures.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job ID", "Match", "Source", "Attempts", "Failed At", "Reason")
	for _, f := range result.Failures {
		reason := f.FailedReason
		if len(reason) > 60 {
			reason = reason[:60] + "..."
		}
		table.Append(f.JobID, f.MatchID, f.Source, fmt.Sprintf("%d", f.AttemptsMade), f.Timestamp, reason)
	}
	table.Render()
	fmt.Printf("\nTotal: %d (queue: %d, dead-letter: %d)\n", result.TotalFailures, result.FromQueue, result.FromDlq)
	return nil
}

func runFailuresRetry(cmd *cobra.Command, args []string) error {
	matchID := args[0]
	url := fmt.Sprintf("%s/admin/settlement-failures", GetServerURL())

	reqBody, err := json.Marshal(map[string]string{"matchId": matchID})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	body, err := doRequest("POST", url, bytes.NewBuffer(reqBody), http.StatusOK)
	if err != nil {
		return err
	}

	var result struct {
		Success bool   `json:"success"`
		MatchID string `json:"matchId"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	fmt.Printf("✓ %s (match %s)\n", result.Message, result.MatchID)
	return nil
}

func runFailuresClear(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/admin/settlement-failures", GetServerURL())

	body, err := doRequest("DELETE", url, nil, http.StatusOK)
	if err != nil {
		return err
	}

	var result struct {
		Success          bool `json:"success"`
		RemovedFromQueue int  `json:"removedFromQueue"`
		RemovedFromDlq   int  `json:"removedFromDlq"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	fmt.Printf("✓ Cleared %d queued and %d dead-lettered failures\n", result.RemovedFromQueue, result.RemovedFromDlq)
	return nil
}

// doRequest runs an authenticated request and returns the body, enforcing
// the expected status code.
func doRequest(method, url string, reqBody io.Reader, wantStatus int) ([]byte, error) {
	req, err := CreateAuthenticatedRequest(method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := GetHTTPClient()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to pipeline API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != wantStatus {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}
