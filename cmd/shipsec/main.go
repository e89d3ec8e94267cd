package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "validate":
		validate(os.Args[2:])
	case "version":
		printVersion(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  shipsec serve [--config <shipsec.yaml>]")
	fmt.Fprintln(os.Stderr, "  shipsec validate --graph <workflow.json>")
	fmt.Fprintln(os.Stderr, "  shipsec version [--check]")
}

func printVersion(args []string) {
	check := false
	for _, a := range args {
		switch a {
		case "--check":
			check = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", a)
			os.Exit(1)
		}
	}
	fmt.Println("shipsec " + version)
	if !check {
		return
	}
	url := os.Getenv("SHIPSEC_VERSION_CHECK_URL")
	if url == "" {
		fmt.Fprintln(os.Stderr, "SHIPSEC_VERSION_CHECK_URL is not set")
		os.Exit(1)
	}
	latest, err := fetchLatestVersion(url)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if latest == version {
		fmt.Println("up to date")
		return
	}
	fmt.Printf("latest is %s\n", latest)
}

func fetchLatestVersion(url string) (string, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return "", fmt.Errorf("version check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("version check: %s returned %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("version check: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}
