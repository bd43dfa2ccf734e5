package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kraken-im/krakencore"
	"github.com/kraken-im/krakencore/message"
)

// send <peer> <message>: one-shot encrypted send.
func sendCmd() *cobra.Command {
	var plaintext bool
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "send <peer> <message>",
		Short: "Send a single message to a peer and exit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer := strings.ToLower(args[0])
			body := args[1]

			m := krakencore.New(opts)
			m.Initialize(identity)
			defer m.Destroy()

			m.SendMessage(body, peer, !plaintext)

			// An immediate publish resolves synchronously; a queued one
			// needs the flush timers, so poll within the wait budget.
			deadline := time.Now().Add(wait)
			for {
				status := lastStatus(m, peer)
				switch status {
				case message.StatusSent, message.StatusDelivered:
					fmt.Println("sent")
					return nil
				case message.StatusFailed:
					return fmt.Errorf("send failed")
				}
				if time.Now().After(deadline) {
					fmt.Println("queued for background delivery")
					return nil
				}
				time.Sleep(200 * time.Millisecond)
			}
		},
	}

	cmd.Flags().BoolVar(&plaintext, "plaintext", false, "send without encryption")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to wait for queued delivery")
	return cmd
}

// lastStatus returns the status of the newest outbound message to peer.
func lastStatus(m *krakencore.Messenger, peer string) message.Status {
	conv := m.Conversation(identity, peer)
	for i := len(conv) - 1; i >= 0; i-- {
		if conv[i].Receiver == peer {
			return conv[i].Status
		}
	}
	return ""
}

// peers: print the identities currently online.
func peersCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List peers currently online",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := krakencore.New(opts)
			m.Initialize(identity)
			defer m.Destroy()

			// Presence records arrive asynchronously after subscribing.
			time.Sleep(wait)

			online := m.GetOnlineUsers()
			if len(online) == 0 {
				fmt.Println("nobody online")
				return nil
			}
			for _, u := range online {
				fmt.Println(u)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "how long to collect presence records")
	return cmd
}
