package config

import (
	"flag"
	"os"

	"github.com/dial0ut/nymstr-group/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-i string   relay client id (names the key files)
//	-w string   mixnet client websocket URL (e.g., "ws://127.0.0.1:1977")
//	-d string   PostgreSQL DSN
//	-k string   key material directory
//	-m string   armored administrator public key file (enables gated registration)
//	-r string   Redis address (host:port)
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with other components.
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-i", "-w", "-d", "-k", "-m", "-r"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.ClientID, "i", config.ClientID, "relay client id")
	fs.StringVar(&config.WebsocketURL, "w", config.WebsocketURL, "mixnet client websocket URL")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.KeysDir, "k", config.KeysDir, "key material directory")
	fs.StringVar(&config.AdminPublicKeyFile, "m", config.AdminPublicKeyFile, "administrator public key file")
	fs.StringVar(&config.RedisAddr, "r", config.RedisAddr, "redis address")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
