package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	successColor = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed)
	dimColor     = color.New(color.FgHiBlack)
	boldColor    = color.New(color.Bold)
)

var (
	workflowType  string
	handlerType   string
	correlationID string
	payloadFile   string
	payloadInline string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Durably enqueues a workflow job",
	Long:  `Enqueues a workflow job through the ops API. The job row and its publish intent are committed atomically; the relay takes it from there.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		payload, err := readPayload()
		if err != nil {
			return err
		}

		body, err := json.Marshal(map[string]any{
			"workflowType":  workflowType,
			"handlerType":   handlerType,
			"correlationId": correlationID,
			"payload":       payload,
		})
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL("/api/v1/jobs"), bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to reach server: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusAccepted {
			msg, _ := io.ReadAll(resp.Body)
			errorColor.Fprintf(os.Stderr, "enqueue rejected (%s): %s\n", resp.Status, bytes.TrimSpace(msg))
			return fmt.Errorf("server returned %s", resp.Status)
		}

		var out struct {
			JobID string `json:"jobId"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		successColor.Print("✓ enqueued ")
		boldColor.Println(out.JobID)
		dimColor.Printf("  workflow=%s handler=%s\n", workflowType, handlerType)
		return nil
	},
}

// readPayload returns the job payload from --payload, --payload-file, or nil.
func readPayload() (json.RawMessage, error) {
	if payloadInline != "" && payloadFile != "" {
		return nil, fmt.Errorf("--payload and --payload-file are mutually exclusive")
	}
	var raw []byte
	switch {
	case payloadInline != "":
		raw = []byte(payloadInline)
	case payloadFile != "":
		data, err := os.ReadFile(payloadFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload file: %w", err)
		}
		raw = data
	default:
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func apiURL(path string) string {
	base := viper.GetString("SERVER_URL")
	if base == "" {
		base = serverURL
	}
	return base + path
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	enqueueCmd.Flags().StringVarP(&workflowType, "workflow", "w", "", "Workflow type (e.g. CODE_REVIEW)")
	enqueueCmd.Flags().StringVarP(&handlerType, "handler", "H", "", "Handler type within the workflow")
	enqueueCmd.Flags().StringVarP(&correlationID, "correlation-id", "c", "", "Correlation ID linking this job to a business process")
	enqueueCmd.Flags().StringVarP(&payloadInline, "payload", "p", "", "Inline JSON payload")
	enqueueCmd.Flags().StringVarP(&payloadFile, "payload-file", "f", "", "Path to a JSON payload file")

	_ = enqueueCmd.MarkFlagRequired("workflow")
	_ = enqueueCmd.MarkFlagRequired("handler")

	rootCmd.AddCommand(enqueueCmd)
}
