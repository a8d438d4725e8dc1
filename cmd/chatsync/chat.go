package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/soukapp/chatsync"
)

func init() {
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(sendCmd)
}

// ============================================================================
// open
// ============================================================================

var openCmd = &cobra.Command{
	Use:   "open <user-id>",
	Short: "Open a live chat session with a user",
	Long:  "Open an interactive chat session. Type to send, '/quit' to leave.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		receiverID := args[0]
		client, cfg := getClient()

		session := client.NewSession(cfg.Default.UserID, receiverID, &chatsync.SessionConfig{
			AutoReconnect: true,
		})
		defer session.Close()

		session.OnMessage(func(msg chatsync.Message) {
			if msg.SenderID == cfg.Default.UserID {
				return
			}
			printMessage(msg)
		})
		session.OnTyping(func(senderID string, isTyping bool) {
			if isTyping {
				fmt.Printf("-- %s is typing...\n", senderID)
			}
		})
		session.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Printf("-- connection lost, retrying in %s (attempt %d)\n", delay.Round(time.Second), attempt)
		})
		session.OnConnected(func() {
			fmt.Println("-- connected")
		})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := session.Start(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to open chat: %w", err)
		}

		for _, msg := range lastN(session.Store().Messages(), 20) {
			printMessage(msg)
		}

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "/quit" {
				break
			}
			if _, err := session.SendText(context.Background(), line); err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
		}
		return scanner.Err()
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <user-id> <message>",
	Short: "Send a single message to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		receiverID, text := args[0], args[1]
		client, cfg := getClient()

		session := client.NewSession(cfg.Default.UserID, receiverID, nil)
		defer session.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := session.Start(ctx); err != nil {
			return fmt.Errorf("failed to open chat: %w", err)
		}
		tempID, err := session.SendText(ctx, text)
		if err != nil {
			return err
		}
		if err := waitForAck(ctx, session); err != nil {
			return err
		}

		msg, _ := session.Store().Get(tempID)
		fmt.Printf("Message sent to chat %s\n", session.ChatID())
		fmt.Printf("  Message ID: %s\n", msg.ID)
		return nil
	},
}

// ============================================================================
// Helpers
// ============================================================================

// waitForAck blocks until every queued send has been confirmed by the server.
func waitForAck(ctx context.Context, session *chatsync.Session) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if session.PendingCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for server confirmation")
		case <-ticker.C:
		}
	}
}

func printMessage(msg chatsync.Message) {
	ts := msg.CreatedAt.Local().Format("15:04")
	switch {
	case msg.Attachment != nil:
		fmt.Printf("[%s] %s: (%s) %s\n", ts, msg.SenderID, msg.Kind, msg.Attachment.Name)
	default:
		fmt.Printf("[%s] %s: %s\n", ts, msg.SenderID, msg.Text)
	}
}

// lastN returns the oldest n of msgs in chronological order; msgs arrive
// newest first.
func lastN(msgs []chatsync.Message, n int) []chatsync.Message {
	if len(msgs) > n {
		msgs = msgs[:n]
	}
	out := make([]chatsync.Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, msgs[i])
	}
	return out
}
