// Package main generates the URLs merchants write onto their NFC tags.
//
// Static tags are the current format: they embed only the program and
// merchant ids, never expire and never need rewriting. The legacy signed
// format is still generatable for compatibility testing, nothing else.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/loyaltyapp/punchcard/internal/tag"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taggen",
		Short: "Generate loyalty tag URLs for merchant NFC tags",
	}
	root.AddCommand(staticCmd(), legacyCmd(), batchCmd())
	return root
}

func staticCmd() *cobra.Command {
	var merchant, devBase string
	cmd := &cobra.Command{
		Use:   "static <program-id>",
		Short: "Generate a static tag URL (write once, never expires)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), tag.EncodeStatic(args[0], merchant, devBase))
			return nil
		},
	}
	cmd.Flags().StringVarP(&merchant, "merchant", "m", "", "merchant/location identifier")
	cmd.Flags().StringVar(&devBase, "dev-base", "", "dev redirector base URL (e.g. exp://192.168.0.10:8081)")
	return cmd
}

func legacyCmd() *cobra.Command {
	var merchant string
	var points int
	cmd := &cobra.Command{
		Use:        "legacy <program-id>",
		Short:      "Generate a signed 24h tag in the deprecated format",
		Deprecated: "legacy tags expire after 24 hours; use static tags for new deployments",
		Args:       cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			fmt.Fprintln(cmd.OutOrStdout(), tag.EncodeLegacy(args[0], points, merchant, now))
			fmt.Fprintln(cmd.OutOrStdout(), tag.EncodeLegacyTag(args[0], points, merchant, now))
			return nil
		},
	}
	cmd.Flags().StringVarP(&merchant, "merchant", "m", "", "merchant/location identifier")
	cmd.Flags().IntVarP(&points, "points", "p", 10, "points embedded in the signed payload")
	return cmd
}

// batchEntry is one line of the YAML batch file.
type batchEntry struct {
	Program  string `yaml:"program"`
	Merchant string `yaml:"merchant"`
}

func batchCmd() *cobra.Command {
	var devBase string
	cmd := &cobra.Command{
		Use:   "batch <file.yaml>",
		Short: "Generate static tags for a YAML list of locations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var entries []batchEntry
			if err := yaml.Unmarshal(data, &entries); err != nil {
				return fmt.Errorf("parsing %s: %w", args[0], err)
			}
			for _, e := range entries {
				if e.Program == "" {
					return fmt.Errorf("entry without program id")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", e.Merchant, tag.EncodeStatic(e.Program, e.Merchant, devBase))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&devBase, "dev-base", "", "dev redirector base URL")
	return cmd
}
