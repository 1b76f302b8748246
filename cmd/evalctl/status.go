package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// evaluationView mirrors eval.Evaluation's exported fields for decoding
// the Gateway's JSON response without importing the internal package.
type evaluationView struct {
	ID            string
	SourceText    string
	LanguageTag   string
	TimeoutS      int
	ResourceClass string
	Status        string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ExitCode      *int
	OutputPreview string
	OutputRef     string
	ErrorMessage  string
	RunnerID      string
	ContainerID   string
}

func runStatusCommand(ctx context.Context, c *gatewayClient, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: evalctl status <id>")
		return 2
	}
	id := args[0]

	req, err := c.newRequest(ctx, http.MethodGet, "/eval/"+id, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		return 1
	}
	resp, err := c.http.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		fmt.Fprintln(os.Stderr, "evaluation not found")
		return 1
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "status failed (%d): %s\n", resp.StatusCode, raw)
		return 1
	}

	var e evaluationView
	if err := json.Unmarshal(raw, &e); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		return 1
	}
	printEvaluation(e)
	return 0
}

func printEvaluation(e evaluationView) {
	fmt.Printf("id:             %s\n", e.ID)
	fmt.Printf("status:         %s\n", e.Status)
	fmt.Printf("language:       %s\n", e.LanguageTag)
	fmt.Printf("resource_class: %s\n", e.ResourceClass)
	fmt.Printf("created_at:     %s\n", e.CreatedAt.Format(time.RFC3339))
	if e.StartedAt != nil {
		fmt.Printf("started_at:     %s\n", e.StartedAt.Format(time.RFC3339))
	}
	if e.CompletedAt != nil {
		fmt.Printf("completed_at:   %s\n", e.CompletedAt.Format(time.RFC3339))
	}
	if e.ExitCode != nil {
		fmt.Printf("exit_code:      %d\n", *e.ExitCode)
	}
	if e.ErrorMessage != "" {
		fmt.Printf("error:          %s\n", e.ErrorMessage)
	}
	if e.RunnerID != "" {
		fmt.Printf("runner_id:      %s\n", e.RunnerID)
	}
}
