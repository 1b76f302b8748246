package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
)

type killResponse struct {
	Killed bool `json:"killed"`
}

func runKillCommand(ctx context.Context, c *gatewayClient, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: evalctl kill <id>")
		return 2
	}
	id := args[0]

	req, err := c.newRequest(ctx, http.MethodPost, "/eval/"+id+"/kill", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		return 1
	}
	resp, err := c.http.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kill: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "kill failed (%d): %s\n", resp.StatusCode, raw)
		return 1
	}

	var out killResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		return 1
	}
	if out.Killed {
		fmt.Println("killed")
		return 0
	}
	fmt.Println("not running")
	return 0
}
