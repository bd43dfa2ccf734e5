package commands

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kraken-im/krakencore"
	"github.com/kraken-im/krakencore/message"
)

// chat <peer>: interactive session. Each stdin line is sent to <peer>;
// inbound messages and presence transitions print as they arrive.
func chatCmd() *cobra.Command {
	var plaintext bool

	cmd := &cobra.Command{
		Use:   "chat <peer>",
		Short: "Start an interactive chat session with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer := strings.ToLower(args[0])

			m := krakencore.New(opts)
			m.OnMessage(func(msg *message.Message) {
				printMessage(msg)
			})
			m.OnPresence(func(online []string) {
				fmt.Printf("* online: %s\n", strings.Join(online, ", "))
			})

			m.Initialize(identity)
			defer m.Destroy()

			for _, msg := range m.Conversation(identity, peer) {
				printMessage(msg)
			}

			if m.IsConnected() {
				fmt.Println("* connected")
			} else {
				fmt.Println("* offline, messages will queue until the overlay recovers")
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			lines := make(chan string)
			go func() {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					lines <- scanner.Text()
				}
				close(lines)
			}()

			for {
				select {
				case <-sigCh:
					fmt.Println("\n* bye")
					return nil
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					line = strings.TrimSpace(line)
					if line == "" {
						continue
					}
					m.SendMessage(line, peer, !plaintext)
				}
			}
		},
	}

	cmd.Flags().BoolVar(&plaintext, "plaintext", false, "send without encryption")
	return cmd
}

func printMessage(msg *message.Message) {
	ts := time.UnixMilli(msg.Timestamp).Format("15:04:05")
	marker := ""
	switch {
	case msg.Status == message.StatusPendingDecryption:
		marker = " [encrypted, key pending]"
	case msg.Status == message.StatusFailed:
		marker = " [failed]"
	case !msg.Encrypted && msg.Sender != "system":
		marker = " [plaintext]"
	}
	fmt.Printf("[%s] %s: %s%s\n", ts, msg.Sender, msg.Content, marker)
}
