// Package main implements the mendctl CLI for manual operations against the
// mendd HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the mendd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mendctl",
	Short: "CLI for mendd server operations",
	Long: `mendctl is a command-line interface for interacting with the mendd server.
It reports failures, inspects episodes and diagnostic reports, manages
signatures and procedures, and lifts quarantines.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9340", "mendd server URL")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(episodesCmd)
	rootCmd.AddCommand(signaturesCmd)
	rootCmd.AddCommand(candidatesCmd)
	rootCmd.AddCommand(proceduresCmd)

	episodesCmd.AddCommand(episodeGetCmd)
	episodesCmd.AddCommand(episodeReportCmd)
	episodesCmd.AddCommand(episodeResetCmd)

	signaturesCmd.AddCommand(signatureAddCmd)
	signatureAddCmd.Flags().StringVar(&sigPattern, "pattern", "", "regex pattern (required)")
	signatureAddCmd.Flags().StringVar(&sigCategory, "category", "", "failure category (required)")
	signatureAddCmd.Flags().StringVar(&sigProcRef, "procedure", "", "procedure reference")
	_ = signatureAddCmd.MarkFlagRequired("pattern")
	_ = signatureAddCmd.MarkFlagRequired("category")

	candidatesCmd.AddCommand(candidatePromoteCmd)
	candidatePromoteCmd.Flags().StringVar(&promoteCategory, "category", "", "category to promote into (required)")
	candidatePromoteCmd.Flags().StringVar(&promoteProcRef, "procedure", "", "procedure reference")
	candidatePromoteCmd.Flags().StringVar(&promotePattern, "pattern", "", "override the derived pattern")
	_ = candidatePromoteCmd.MarkFlagRequired("category")
}

var (
	sigPattern      string
	sigCategory     string
	sigProcRef      string
	promoteCategory string
	promoteProcRef  string
	promotePattern  string
)

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check mendd server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/health")
	},
}

// reportCmd reports a failure for a target
var reportCmd = &cobra.Command{
	Use:   "report <target> <message>",
	Short: "Report a failure message for a target",
	Long: `Report a raw failure message for a target and print the disposition.

Examples:
  # Report a bind failure
  mendctl report web-1 "listen tcp :8080: bind: address already in use"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{"target_id": args[0], "message": args[1]}
		return postJSON("/api/v1/failures", body)
	},
}

// episodesCmd lists episodes
var episodesCmd = &cobra.Command{
	Use:   "episodes",
	Short: "List and inspect failure episodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/api/v1/episodes")
	},
}

var episodeGetCmd = &cobra.Command{
	Use:   "get <target>",
	Short: "Show a target's episode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/api/v1/episodes/" + args[0])
	},
}

var episodeReportCmd = &cobra.Command{
	Use:   "diagnostic <target>",
	Short: "Show a target's latest diagnostic report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/api/v1/episodes/" + args[0] + "/report")
	},
}

var episodeResetCmd = &cobra.Command{
	Use:   "reset <target>",
	Short: "Lift a target's quarantine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := postJSON("/api/v1/episodes/"+args[0]+"/reset", nil); err != nil {
			return err
		}
		fmt.Printf("quarantine reset for %s\n", args[0])
		return nil
	},
}

// signaturesCmd lists signatures
var signaturesCmd = &cobra.Command{
	Use:   "signatures",
	Short: "List and manage error signatures",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/api/v1/signatures")
	},
}

var signatureAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an error signature",
	Long: `Add an error signature.

Examples:
  mendctl signatures add --pattern "disk quota exceeded" --category DISK_FULL --procedure disk-full`,
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{
			"pattern":       sigPattern,
			"category":      sigCategory,
			"procedure_ref": sigProcRef,
		}
		return postJSON("/api/v1/signatures", body)
	},
}

// candidatesCmd lists learned candidate signatures
var candidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "List and promote learned candidate signatures",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/api/v1/candidates")
	},
}

var candidatePromoteCmd = &cobra.Command{
	Use:   "promote <id>",
	Short: "Promote a candidate into a full signature",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{
			"category":      promoteCategory,
			"procedure_ref": promoteProcRef,
			"pattern":       promotePattern,
		}
		return postJSON("/api/v1/candidates/"+args[0]+"/promote", body)
	},
}

// proceduresCmd lists remediation procedures
var proceduresCmd = &cobra.Command{
	Use:   "procedures",
	Short: "List remediation procedures",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/api/v1/procedures")
	},
}

func client() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// getJSON fetches a path and pretty-prints the JSON response.
func getJSON(path string) error {
	resp, err := client().Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

// postJSON posts a JSON body to a path and pretty-prints the response.
func postJSON(path string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}
	resp, err := client().Post(serverURL+path, "application/json", &buf)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(data))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
