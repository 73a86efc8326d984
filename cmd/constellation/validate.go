package main

import (
	"fmt"
	"strings"

	"github.com/nidhogg/constellation/internal/constellation"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <graph.json>",
	Short: "Check a constellation file for cycles and dangling edges",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	c, err := constellation.LoadFile(args[0])
	if err != nil {
		return err
	}
	order, err := c.TopologicalOrder()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d tasks, %d dependencies\n", c.Name(), c.Len(), len(c.Dependencies()))
	fmt.Fprintf(out, "order: %s\n", strings.Join(order, " -> "))
	return nil
}
