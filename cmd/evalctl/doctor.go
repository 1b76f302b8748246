package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// runDoctorCommand checks that the configured Gateway is reachable and
// reports its /healthz response.
func runDoctorCommand(ctx context.Context, c *gatewayClient, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: evalctl doctor")
		return 2
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	fmt.Printf("gateway_addr: %s\n", c.baseURL)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		fmt.Printf("❌ healthz: %v\n", err)
		return 1
	}
	resp, err := c.http.Do(req)
	if err != nil {
		fmt.Printf("❌ healthz: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Printf("❌ healthz: status %d: %s\n", resp.StatusCode, body)
		return 1
	}
	fmt.Printf("✅ healthz: %s\n", body)
	return 0
}
