package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/matheus3301/conversa/internal/api"
	"github.com/matheus3301/conversa/internal/profile"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(
		statusCmd(),
		loginCmd(),
		otpCmd(),
		registerCmd(),
		chatsCmd(),
		usersCmd(),
		openCmd(),
		closeCmd(),
		createCmd(),
		messagesCmd(),
		inputCmd(),
		sendCmd(),
		deleteCmd(),
		searchCmd(),
		watchCmd(),
		profilesCmd(),
	)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(api.MethodStatus, nil, func(r map[string]any) {
				fmt.Printf("Profile: %s\n", field(r, "profile"))
				fmt.Printf("Status:  %s (since %s)\n", field(r, "status"), ago(when(r, "since")))
				fmt.Printf("Uptime:  %s\n", time.Duration(count(r, "uptime_ms"))*time.Millisecond)
				if id := field(r, "user_id"); id != "" {
					fmt.Printf("User:    %s\n", id)
				} else {
					fmt.Println("User:    not logged in")
				}
				fmt.Printf("Journal: %d chats, %d messages, %d pending\n", count(r, "chats"), count(r, "messages"), count(r, "pending"))
				printSession(object(r, "session"))
			})
		},
	}
}

// readSecret returns value, or a line read from stdin when value is "-".
func readSecret(value, prompt string) (string, error) {
	if value != "-" {
		return value, nil
	}
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printProfile(r map[string]any) {
	fmt.Printf("Logged in as %s <%s> (%s)\n", field(r, "name"), field(r, "email"), field(r, "id"))
}

func loginCmd() *cobra.Command {
	var password, otp string
	cmd := &cobra.Command{
		Use:   "login <email>",
		Short: "Log in with a password or a mailed code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readSecret(password, "Password: ")
			if err != nil {
				return err
			}
			return call(api.MethodLogin, map[string]any{"email": args[0], "password": pw, "otp": otp}, printProfile)
		},
	}
	cmd.Flags().StringVar(&password, "password", "-", `password ("-" reads it from stdin)`)
	cmd.Flags().StringVar(&otp, "otp", "", "one-time code from request-otp")
	return cmd
}

func otpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "request-otp <email>",
		Short: "Mail a one-time login code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(api.MethodRequestOTP, map[string]any{"email": args[0]}, func(map[string]any) {
				fmt.Printf("Code sent to %s\n", args[0])
			})
		},
	}
}

func registerCmd() *cobra.Command {
	var name, password string
	cmd := &cobra.Command{
		Use:   "register <email>",
		Short: "Create an account and log in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readSecret(password, "Password: ")
			if err != nil {
				return err
			}
			return call(api.MethodRegister, map[string]any{"name": name, "email": args[0], "password": pw}, printProfile)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&password, "password", "-", `password ("-" reads it from stdin)`)
	return cmd
}

func chatsCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "List chats, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(api.MethodListChats, map[string]any{"limit": limit, "offset": offset}, func(r map[string]any) {
				chats := items(r, "chats")
				if len(chats) == 0 {
					fmt.Println("No chats.")
					return
				}
				for _, c := range chats {
					fmt.Printf("%-26s %-20s %-14s %s\n", field(c, "id"), field(c, "peer_name"), ago(when(c, "updated_at")), field(c, "preview"))
				}
				if truthy(r, "has_more") {
					fmt.Printf("... more with --offset %d\n", offset+limit)
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func usersCmd() *cobra.Command {
	var cached bool
	cmd := &cobra.Command{
		Use:   "users",
		Short: "List users a conversation can be started with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(api.MethodListUsers, map[string]any{"cached": cached}, func(r map[string]any) {
				for _, u := range items(r, "users") {
					fmt.Printf("%-26s %-20s %s\n", field(u, "id"), field(u, "name"), field(u, "email"))
				}
			})
		},
	}
	cmd.Flags().BoolVar(&cached, "cached", false, "read the journal instead of the backend")
	return cmd
}

func openCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <conversation-id>",
		Short: "Make a conversation active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(api.MethodOpenConversation, map[string]any{"conversation_id": args[0]}, printSession)
		},
	}
}

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close",
		Short: "Leave the active conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(api.MethodCloseConversation, nil, printSession)
		},
	}
}

func createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <peer-id>",
		Short: "Start a conversation with a user and open it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(api.MethodCreateConversation, map[string]any{"peer_id": args[0]}, func(r map[string]any) {
				fmt.Printf("Created %s with %s\n", field(r, "id"), field(r, "peer_name"))
			})
		},
	}
}

func messagesCmd() *cobra.Command {
	var limit int
	var before string
	cmd := &cobra.Command{
		Use:   "messages [conversation-id]",
		Short: "Show messages of the active or a journaled conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"limit": limit}
			if len(args) == 1 {
				req["conversation_id"] = args[0]
			}
			if before != "" {
				t, err := time.Parse(time.RFC3339, before)
				if err != nil {
					return fmt.Errorf("--before: %w", err)
				}
				req["before"] = t.UnixMilli()
			}
			return call(api.MethodListMessages, req, func(r map[string]any) {
				if sess := object(r, "session"); sess != nil {
					printSession(sess)
				}
				for _, m := range items(r, "messages") {
					printMessage(m)
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum journaled messages")
	cmd.Flags().StringVar(&before, "before", "", "only journaled messages before this RFC3339 time")
	return cmd
}

func inputCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "input [text]",
		Short: "Set the composer buffer; non-empty text signals typing",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := ""
			if len(args) == 1 {
				text = args[0]
			}
			return call(api.MethodSetInput, map[string]any{"text": text}, func(map[string]any) {})
		},
	}
}

func sendCmd() *cobra.Command {
	var file, replyTo string
	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send a message to the active conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"reply_to": replyTo}
			if len(args) == 1 {
				req["text"] = args[0]
			}
			if file != "" {
				// The daemon opens the file, so hand it an absolute path.
				abs, err := absPath(file)
				if err != nil {
					return err
				}
				req["file"] = abs
			}
			return call(api.MethodSendMessage, req, printMessage)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "attach a file")
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "id of the message being answered")
	return cmd
}

func absPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}
	return abs, nil
}

func deleteCmd() *cobra.Command {
	var everyone bool
	cmd := &cobra.Command{
		Use:   "delete <message-id>",
		Short: "Delete a message in the active conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(api.MethodDeleteMessage, map[string]any{"message_id": args[0], "for_everyone": everyone}, func(map[string]any) {
				fmt.Printf("Deleted %s\n", args[0])
			})
		},
	}
	cmd.Flags().BoolVar(&everyone, "everyone", false, "delete for the peer too")
	return cmd
}

func searchCmd() *cobra.Command {
	var conversationID string
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over journaled messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"query": args[0], "conversation_id": conversationID, "limit": limit}
			return call(api.MethodSearchMessages, req, func(r map[string]any) {
				results := items(r, "results")
				if len(results) == 0 {
					fmt.Println("No matches.")
					return
				}
				for _, m := range results {
					fmt.Printf("%-26s %-14s %s\n", field(m, "conversation_id"), ago(when(m, "created_at")), field(m, "snippet"))
				}
			})
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "restrict to one conversation")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum results")
	return cmd
}

func profilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List known profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := profile.List()
			if err != nil {
				return err
			}
			if jsonOut {
				outputJSON(infos)
				return nil
			}
			if len(infos) == 0 {
				fmt.Println("No profiles found.")
				return nil
			}
			for _, p := range infos {
				running := "stopped"
				if p.DaemonRunning {
					running = "running"
				}
				fmt.Printf("%-20s %s (%s)\n", p.Name, p.Path, running)
			}
			return nil
		},
	}
}
