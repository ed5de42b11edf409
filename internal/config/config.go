// Package config loads keymeshd settings from a TOML file.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

type (
	// Server holds everything keymeshd needs to start. Zero sections fall
	// back to the defaults, so a partial file is enough.
	Server struct {
		Addr   string `toml:"addr"`
		Mongo  Mongo  `toml:"mongo"`
		Redis  Redis  `toml:"redis"`
		Blob   Blob   `toml:"blob"`
		Logger Logger `toml:"logger"`
	}

	Mongo struct {
		URI      string `toml:"uri"`
		Database string `toml:"database"`
	}

	// Redis backs the blob store when Addr is set. It wins over Blob.Path.
	Redis struct {
		Addr     string `toml:"addr"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
	}

	// Blob selects the fallback blob backend: a LevelDB directory when
	// Path is set, otherwise process memory.
	Blob struct {
		Path string `toml:"path"`
	}

	Logger struct {
		Level string `toml:"level"`
		JSON  bool   `toml:"json"`
	}
)

// Default is what keymeshd runs with when no config file is given.
func Default() *Server {
	return &Server{
		Addr: "localhost:9090",
		Mongo: Mongo{
			URI:      "mongodb://localhost:27017",
			Database: "keymesh",
		},
		Logger: Logger{
			Level: "info",
		},
	}
}

// Load reads a TOML config file. Keys absent from the file keep their
// default values.
func Load(file string) (*Server, error) {
	conf := Default()
	if _, err := toml.DecodeFile(file, conf); err != nil {
		return nil, fmt.Errorf("load config %s: %w", file, err)
	}
	return conf, nil
}

// Save writes the config as TOML, used to bootstrap a fresh deployment.
func (c *Server) Save(file string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return err
	}
	return os.WriteFile(file, buf.Bytes(), 0600)
}
