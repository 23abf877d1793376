package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/chatbridge/cmd/chatbridge/internal"
	"github.com/tinyland-inc/chatbridge/cmd/chatbridge/internal/bridge"
	"github.com/tinyland-inc/chatbridge/cmd/chatbridge/internal/cursors"
	"github.com/tinyland-inc/chatbridge/cmd/chatbridge/internal/send"
	"github.com/tinyland-inc/chatbridge/cmd/chatbridge/internal/version"
)

func NewChatbridgeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "chatbridge",
		Short:   "chatbridge - chat to webhook relay v" + internal.GetVersion(),
		Example: "chatbridge bridge",
	}

	cmd.AddCommand(
		bridge.NewBridgeCommand(),
		cursors.NewCursorsCommand(),
		send.NewSendCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewChatbridgeCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
