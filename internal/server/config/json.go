package config

import (
	"encoding/json"
	"os"

	"github.com/dial0ut/nymstr-group/internal/flagx"
)

// JsonConfig defines a configuration structure tailored for JSON
// unmarshalling. It is an intermediate DTO used only for reading JSON
// configuration files; after unmarshalling, its fields are copied into the
// runtime Config struct.
type JsonConfig struct {
	ClientID           string `json:"client_id"`
	WebsocketURL       string `json:"websocket_url"`
	DatabaseDSN        string `json:"database_dsn"`
	KeysDir            string `json:"keys_dir"`
	AdminPublicKeyFile string `json:"admin_public_key_file"`
	RedisAddr          string `json:"redis_addr"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance.
//
// The file path is taken from the -c or -config command-line flags; if
// neither is set, no JSON file is loaded. If the file cannot be read or
// contains invalid JSON, the function panics: a partially applied
// configuration must never reach the transport.
func parseJson(config *Config) {

	// try flags
	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	config.ClientID = c.ClientID
	config.WebsocketURL = c.WebsocketURL
	config.DatabaseDSN = c.DatabaseDSN
	config.KeysDir = c.KeysDir
	config.AdminPublicKeyFile = c.AdminPublicKeyFile
	config.RedisAddr = c.RedisAddr
}
