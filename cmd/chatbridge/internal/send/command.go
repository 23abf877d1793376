// Package send implements a one-shot outbound message via a running
// bridge's control surface.
package send

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func NewSendCommand() *cobra.Command {
	var (
		addr    string
		contact int64
	)

	cmd := &cobra.Command{
		Use:     "send [text...]",
		Short:   "Send a message through a running bridge",
		Example: `chatbridge send --contact 42 "hello from the cli"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return sendCmd(addr, contact, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "Control surface address")
	cmd.Flags().Int64Var(&contact, "contact", 0, "Contact ID to send to")
	cmd.MarkFlagRequired("contact")

	return cmd
}

func sendCmd(addr string, contact int64, text string) error {
	body, err := json.Marshal(map[string]any{
		"contactId": contact,
		"text":      text,
	})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Post(addr+"/send", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("reaching bridge at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	fmt.Printf("Sent to contact %d\n", contact)
	return nil
}
