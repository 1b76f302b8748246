package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
)

func runListCommand(ctx context.Context, c *gatewayClient, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	status := fs.String("status", "", "filter by status (queued, running, completed, failed, cancelled)")
	limit := fs.Int("limit", 0, "maximum number of results")
	offset := fs.Int("offset", 0, "result offset")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	q := url.Values{}
	if *status != "" {
		q.Set("status", *status)
	}
	if *limit > 0 {
		q.Set("limit", fmt.Sprint(*limit))
	}
	if *offset > 0 {
		q.Set("offset", fmt.Sprint(*offset))
	}
	path := "/eval"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		return 1
	}
	resp, err := c.http.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "list failed (%d): %s\n", resp.StatusCode, raw)
		return 1
	}

	var results []evaluationView
	if err := json.Unmarshal(raw, &results); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		return 1
	}
	for _, e := range results {
		fmt.Printf("%s\t%s\t%s\t%s\n", e.ID, e.Status, e.LanguageTag, e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return 0
}
