package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// printOutput writes v as indented JSON with --json, YAML otherwise. YAML
// keys follow the JSON field names.
func printOutput(cmd *cobra.Command, v interface{}) error {
	return writeOutput(cmd.OutOrStdout(), v, jsonOutput)
}

func writeOutput(w io.Writer, v interface{}, asJSON bool) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}

	if asJSON {
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	// JSON is valid YAML, so decoding into a node keeps field order.
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return fmt.Errorf("failed to convert output: %w", err)
	}
	clearStyle(&node)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return enc.Close()
}

// clearStyle drops the flow and quoting styles inherited from JSON.
func clearStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		clearStyle(c)
	}
}
