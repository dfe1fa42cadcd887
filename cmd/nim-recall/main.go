// Command nim-recall runs the memory-backed assistant: an HTTP/WebSocket
// server, an interactive chat, and tools to inspect stored conversations.
package main

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// .env is optional; the environment wins over it
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
