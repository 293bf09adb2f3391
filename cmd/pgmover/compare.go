package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Placeholder: performs no comparison",
	Long:  `Compare performs no comparison: it connects to neither database, prints a not-implemented notice, and exits successfully.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("compare: not yet implemented")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(compareCmd)
}
