package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var outputJSON bool

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Shows the current status of a workflow job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL("/api/v1/jobs/"+args[0]), nil)
		if err != nil {
			return err
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to reach server: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("server returned %s: %s", resp.Status, msg)
		}

		var job struct {
			JobID               string `json:"jobId"`
			Status              string `json:"status"`
			WorkflowType        string `json:"workflowType"`
			CurrentStage        string `json:"currentStage"`
			RetryCount          int    `json:"retryCount"`
			ErrorClassification string `json:"errorClassification"`
			LastError           string `json:"lastError"`
			WaitingForEvent     string `json:"waitingForEvent"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		if outputJSON {
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(job)
		}

		switch job.Status {
		case "SUCCESS":
			successColor.Printf("● %s\n", job.Status)
		case "FAILED", "CANCELLED":
			errorColor.Printf("● %s\n", job.Status)
		case "PENDING":
			warnColor.Printf("● %s\n", job.Status)
		default:
			boldColor.Printf("● %s\n", job.Status)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintf(w, "JOB\t%s\n", job.JobID)
		fmt.Fprintf(w, "WORKFLOW\t%s\n", job.WorkflowType)
		if job.CurrentStage != "" {
			fmt.Fprintf(w, "STAGE\t%s\n", job.CurrentStage)
		}
		if job.WaitingForEvent != "" {
			fmt.Fprintf(w, "WAITING FOR\t%s\n", job.WaitingForEvent)
		}
		fmt.Fprintf(w, "RETRIES\t%d\n", job.RetryCount)
		if job.LastError != "" {
			fmt.Fprintf(w, "LAST ERROR\t%s (%s)\n", job.LastError, job.ErrorClassification)
		}
		return w.Flush()
	},
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	statusCmd.Flags().BoolVar(&outputJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(statusCmd)
}
