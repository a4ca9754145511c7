// Package cmd provides the rule management CLI.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"aegis/classify"
	"aegis/core"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
)

var noColor bool

// Rule files are small YAML documents; anything bigger is a mistake.
const maxRuleFileSize = 1 * 1024 * 1024

// NewRulesCmd builds the `rules` command tree.
func NewRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Validate and classify detection rules",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}
	rulesCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rulesCmd.AddCommand(newValidateCmd(), newClassifyCmd())
	return rulesCmd
}

func readRuleFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxRuleFileSize {
		return nil, fmt.Errorf("rule file %s is %d bytes, limit is %d", path, info.Size(), maxRuleFileSize)
	}
	return os.ReadFile(path)
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate rule definitions without storing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				definition, err := readRuleFile(path)
				if err != nil {
					errorColor.Printf("✗ %s: %v\n", path, err)
					failed++
					continue
				}
				if _, err := classify.Classify(definition, classify.Options{}); err != nil {
					errorColor.Printf("✗ %s\n", path)
					printRuleError(err)
					failed++
					continue
				}
				successColor.Printf("✓ %s\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d rule files failed validation", failed, len(args))
			}
			return nil
		},
	}
}

func newClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <file>...",
		Short: "Show the engine assignment a rule would receive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				definition, err := readRuleFile(path)
				if err != nil {
					errorColor.Printf("✗ %s: %v\n", path, err)
					failed++
					continue
				}
				c, err := classify.Classify(definition, classify.Options{})
				if err != nil {
					errorColor.Printf("✗ %s\n", path)
					printRuleError(err)
					failed++
					continue
				}
				printClassification(path, c)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d rule files failed classification", failed, len(args))
			}
			return nil
		},
	}
}

func printClassification(path string, c *classify.Classification) {
	infoColor.Printf("%s\n", path)
	switch c.EngineType {
	case core.EngineRealTime:
		fmt.Printf("  engine: %s\n", successColor.Sprint("realtime"))
	case core.EngineScheduled:
		fmt.Printf("  engine: %s\n", warningColor.Sprint("scheduled"))
	}
	if len(c.Reasons) > 0 {
		fmt.Printf("  complex: %s\n", strings.Join(c.Reasons, ", "))
	}
	if c.Stateful != nil {
		fmt.Printf("  stateful: %s on %s (window %ds)\n",
			c.Stateful.TrackingType,
			strings.Join(c.Stateful.KeyFields(), ","),
			c.Stateful.WindowSeconds)
	}
}

func printRuleError(err error) {
	var verr *core.ValidationError
	if errors.As(err, &verr) {
		fmt.Printf("  field %s: %s\n", verr.Field, verr.Reason)
		return
	}
	fmt.Printf("  %v\n", err)
}
