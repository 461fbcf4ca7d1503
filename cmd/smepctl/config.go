package main

import (
	"os"

	"github.com/pelletier/go-toml/v2"
)

// DemoConfig describes a multi-peer scenario for the echo subcommand: the
// peers to ping, each with the tag to use, decoded with toml.Unmarshal into
// a typed struct. The echo fan-out opens one local endpoint per peer.
type DemoConfig struct {
	Peers []PeerConfig `toml:"peers"`
}

type PeerConfig struct {
	Name string `toml:"name"`
	Tag  uint32 `toml:"tag"`
}

// LoadConfig reads path and decodes it as a DemoConfig.
func LoadConfig(path string) (*DemoConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c DemoConfig
	if err := toml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
