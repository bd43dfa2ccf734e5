// Package commands implements the krakenmsg CLI: an interactive chat
// session and a one-shot send over the Kraken messaging engine.
package commands
