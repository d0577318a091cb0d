package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:     "create",
	Aliases: []string{"c"},
	Short:   "Create a new video room and join it",
	Long: `Create a video room through the REST API, print its id for others
to join, then join it.

Examples:
  meetflow-peer create
  meetflow-peer --server https://meet.example.com --token $JWT create`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := createRoom(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(roomID)
		return runMesh(cmd.Context(), roomID)
	},
}
