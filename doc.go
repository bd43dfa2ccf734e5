// Package krakencore implements an end-to-end encrypted, peer-to-peer
// messaging engine over a best-effort gossip key-value overlay.
//
// The engine integrates all subsystems of the Kraken stack: relay
// discovery and the verified overlay connection, identity key-pair
// lifecycle with public-key publication, per-conversation shared-key
// derivation and rotation, authenticated encryption of message bodies,
// redundant multi-path delivery with idempotent ingestion, presence
// tracking, durable local persistence, and background retry of both
// failed sends and failed decryptions.
//
// # Getting Started
//
// Create a Messenger with options, register callbacks, and initialize
// it for an identity:
//
//	opts := krakencore.NewOptions()
//	opts.DataDir = "/var/lib/kraken"
//
//	m := krakencore.New(opts)
//	defer m.Destroy()
//
//	m.OnMessage(func(msg *message.Message) {
//	    fmt.Printf("%s: %s\n", msg.Sender, msg.Content)
//	})
//	m.OnPresence(func(online []string) {
//	    fmt.Printf("online: %v\n", online)
//	})
//
//	m.Initialize("0xa11ce")
//	m.SendMessage("hello", "0xb0b", true)
//
// # Degraded Operation
//
// Nothing at the public boundary returns an error. When no relay is
// reachable the engine stays usable: sends queue for background retry,
// local history remains readable, and the overlay health loop
// reconnects when the network recovers. Inbound messages that cannot
// be decrypted yet are stored with placeholder content and recovered
// by the periodic decryption sweep once the sender's key material
// becomes available.
//
// # Trust Model
//
// Key exchange is trust-on-first-use against unauthenticated overlay
// records. Confidentiality holds against passive observers of the
// overlay; an active attacker who can write a forged public-key record
// before first contact can intercept the conversation.
package krakencore
