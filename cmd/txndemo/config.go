package main

import (
	"github.com/alecthomas/kong"
	"gitlab.com/tozd/go/cli"
	"gitlab.com/tozd/go/zerolog"
)

// PostgresConfig contains configuration for the PostgreSQL database backing
// the demo's document, ATR, and client record repositories.
type PostgresConfig struct {
	URL kong.FileContentFlag `env:"URL_PATH" help:"File with PostgreSQL database URL." placeholder:"PATH" required:"" short:"d" yaml:"url"`
}

// Globals describes top-level (global) flags.
type Globals struct {
	zerolog.LoggingConfig `yaml:",inline"`

	Version kong.VersionFlag `help:"Show program's version and exit." short:"V" yaml:"-"`
	Config  cli.ConfigFlag   `help:"Load configuration from a JSON or YAML file." name:"config" placeholder:"PATH" short:"c" yaml:"-"`

	Postgres PostgresConfig `embed:"" envprefix:"POSTGRES_" prefix:"postgres." yaml:"postgres"`
}

// Config provides configuration. It is used as configuration for Kong's
// command-line parser as well.
type Config struct {
	Globals `yaml:"globals"`

	Transfer TransferCommand `cmd:"" default:"withargs" help:"Run a sample multi-document transfer transaction." yaml:"transfer"`
}
