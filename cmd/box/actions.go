package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tdelhaise/box/internal/ident"
)

func newPutCommand(flags *globalFlags) *cobra.Command {
	var contentType, data, dataFile string

	cmd := &cobra.Command{
		Use:   "put <queue>",
		Short: "Store an object in the given queue on a remote node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte(data)
			if dataFile != "" {
				b, err := os.ReadFile(dataFile)
				if err != nil {
					return err
				}
				payload = b
			}
			return runClientAction(cmd, flags, ident.ClientAction{
				Kind:        ident.ActionPut,
				QueuePath:   args[0],
				ContentType: contentType,
				Data:        payload,
			})
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "application/octet-stream", "MIME type of the stored object")
	cmd.Flags().StringVar(&data, "data", "", "literal payload bytes")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "path to a file whose contents become the payload (overrides --data)")
	return cmd
}

func newGetCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <queue>",
		Short: "Fetch the latest object from a queue on a remote node (removed unless the queue is permanent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClientAction(cmd, flags, ident.ClientAction{Kind: ident.ActionGet, QueuePath: args[0]})
		},
	}
}

func newLocateCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "locate <uuid>",
		Short: "Resolve a node or user UUID through the Location Service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClientAction(cmd, flags, ident.ClientAction{Kind: ident.ActionLocate, Subject: args[0]})
		},
	}
}

func newSyncCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <queue>",
		Short: "Stream every object currently in a queue on a remote node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClientAction(cmd, flags, ident.ClientAction{Kind: ident.ActionSync, QueuePath: args[0]})
		},
	}
}
