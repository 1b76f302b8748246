package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
)

type submitRequest struct {
	SourceText    string `json:"source_text"`
	LanguageTag   string `json:"language_tag"`
	TimeoutS      int    `json:"timeout_s"`
	ResourceClass string `json:"resource_class"`
}

type submitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func runSubmitCommand(ctx context.Context, c *gatewayClient, args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	lang := fs.String("lang", "python3", "language tag")
	timeoutS := fs.Int("timeout", 10, "wall timeout in seconds")
	resourceClass := fs.String("resource-class", "default", "resource class")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: evalctl submit <file> [options]")
		return 2
	}

	source, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "read source file: %v\n", err)
		return 1
	}

	body, err := json.Marshal(submitRequest{
		SourceText:    string(source),
		LanguageTag:   *lang,
		TimeoutS:      *timeoutS,
		ResourceClass: *resourceClass,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode request: %v\n", err)
		return 1
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/eval", body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		return 1
	}
	resp, err := c.http.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		fmt.Fprintf(os.Stderr, "submit failed (%d): %s\n", resp.StatusCode, raw)
		return 1
	}

	var out submitResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		return 1
	}
	fmt.Printf("%s\t%s\n", out.ID, out.Status)
	return 0
}
