package main

import (
	"github.com/spf13/cobra"
)

var joinCmd = &cobra.Command{
	Use:     "join <room-id>",
	Aliases: []string{"j"},
	Short:   "Join an existing video room",
	Long: `Join an existing video room and stay in it until interrupted.

Examples:
  meetflow-peer join 7f8c9d2e-1a2b-4c3d-9e8f-0a1b2c3d4e5f
  meetflow-peer --server https://meet.example.com --api-key k join <room-id>`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMesh(cmd.Context(), args[0])
	},
}
