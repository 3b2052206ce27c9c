package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	chatsync "github.com/StudyHall-Labs/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(chatCmd)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations with unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		fetcher, cfg := getFetcher()
		self := chatsync.Participant{ID: cfg.Auth.UserID, Role: chatsync.Role(cfg.Auth.Role)}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		summaries, err := fetcher.Conversations(ctx, self)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(summaries) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, s := range summaries {
			unread := ""
			if s.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", s.UnreadCount)
			}
			name := s.Name
			if name == "" {
				name = s.CounterpartID
			}
			fmt.Printf("%-24s %s%s\n", name, s.LastMessage, unread)
		}
		return nil
	},
}

// ============================================================================
// chat
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat <counterpart-id>",
	Short: "Open an interactive chat with a user",
	Long:  "Open an interactive chat session. Type a message and press enter to send.\nCommands: /retry <temp-id>, /delete <message-id>, /report <message-id> <reason>, /older, /quit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		counterpartID := args[0]
		eng, tr := getEngine()
		defer eng.Close()

		ctx := context.Background()
		if err := eng.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Connect failed, starting offline: %v\n", err)
		}

		counterpart := chatsync.Participant{ID: counterpartID, Role: counterpartRole(eng.Self().Role)}
		if err := eng.OpenConversation(ctx, counterpart); err != nil {
			fmt.Fprintf(os.Stderr, "History unavailable: %v\n", err)
		}

		printed := make(map[string]bool)
		printNew := func() {
			for _, m := range eng.Messages() {
				if printed[m.ID] {
					continue
				}
				printed[m.ID] = true
				printMessage(eng.Self().ID, m)
			}
		}
		printNew()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for range eng.Subscribe() {
				printNew()
				if !tr.Connected() && eng.OutboxLen() > 0 {
					fmt.Printf("-- offline, %d queued --\n", eng.OutboxLen())
				}
			}
		}()

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "/") {
				if quit := runChatCommand(ctx, eng, line); quit {
					break
				}
				continue
			}
			eng.TypingStop()
			tempID, err := eng.Send(line, "")
			if err != nil {
				fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
				continue
			}
			printed[tempID] = true
		}

		eng.Close()
		<-done
		return scanner.Err()
	},
}

// runChatCommand handles slash commands. Returns true to quit the session.
func runChatCommand(ctx context.Context, eng *chatsync.Engine, line string) bool {
	fields := strings.Fields(line)
	opCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch fields[0] {
	case "/quit":
		return true
	case "/older":
		res, err := eng.LoadOlder(opCtx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Load failed: %v\n", err)
			return false
		}
		fmt.Printf("-- loaded %d older messages (more: %v) --\n", res.Added, res.HasMore)
	case "/retry":
		if len(fields) != 2 {
			fmt.Fprintln(os.Stderr, "Usage: /retry <temp-id>")
			return false
		}
		if err := eng.RetrySend(fields[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Retry failed: %v\n", err)
		}
	case "/delete":
		if len(fields) != 2 {
			fmt.Fprintln(os.Stderr, "Usage: /delete <message-id>")
			return false
		}
		if err := eng.Delete(opCtx, fields[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Delete failed: %v\n", err)
		}
	case "/report":
		if len(fields) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: /report <message-id> <reason>")
			return false
		}
		reason := strings.Join(fields[2:], " ")
		if err := eng.Report(opCtx, fields[1], reason); err != nil {
			fmt.Fprintf(os.Stderr, "Report failed: %v\n", err)
		} else {
			fmt.Println("Report submitted.")
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %s\n", fields[0])
	}
	return false
}

func printMessage(selfID string, m chatsync.Message) {
	fmt.Println(formatMessage(selfID, m))
}

func formatMessage(selfID string, m chatsync.Message) string {
	who := m.Sender.ID
	if m.Sender.ID == selfID {
		who = "me"
	}
	status := ""
	switch m.Status {
	case chatsync.StatusPending:
		status = " [sending]"
	case chatsync.StatusFailed:
		status = fmt.Sprintf(" [FAILED, /retry %s]", m.ID)
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.CreatedAt.Format("15:04"), who, m.Content, status)
}

func counterpartRole(self chatsync.Role) chatsync.Role {
	if self == chatsync.RoleInstructor {
		return chatsync.RoleStudent
	}
	return chatsync.RoleInstructor
}
