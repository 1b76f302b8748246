package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
)

type logsResponse struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	IsRunning bool   `json:"is_running"`
}

func runLogsCommand(ctx context.Context, c *gatewayClient, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: evalctl logs <id>")
		return 2
	}
	id := args[0]

	req, err := c.newRequest(ctx, http.MethodGet, "/eval/"+id+"/logs", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		return 1
	}
	resp, err := c.http.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logs: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "logs failed (%d): %s\n", resp.StatusCode, raw)
		return 1
	}

	var out logsResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		return 1
	}
	if out.Stdout != "" {
		fmt.Println("--- stdout ---")
		fmt.Println(out.Stdout)
	}
	if out.Stderr != "" {
		fmt.Println("--- stderr ---")
		fmt.Println(out.Stderr)
	}
	if out.IsRunning {
		fmt.Println("(evaluation still running; output above may be partial)")
	}
	return 0
}
