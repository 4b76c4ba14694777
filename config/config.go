// Package config loads the TOML configuration of the bb84 command.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/alan-christopher/bb84sim/bb84"
)

const (
	defaultLogLevel  = "NOTICE"
	defaultNamespace = "bb84"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Session mirrors bb84.Config. Omitted optional fields take the bb84
// package defaults.
type Session struct {
	// NumSlots is the number of qubits exchanged per session.
	NumSlots int

	// SampleSize is the number of sifted bits disclosed for error
	// estimation.
	SampleSize int

	// ChannelNoiseRate is the probability of a flipped matched-basis
	// measurement.
	ChannelNoiseRate float64

	// Seed, if set, makes runs reproducible. Successive sessions of one run
	// use Seed, Seed+1, ...
	Seed *int64

	// MaxErrorRate is the highest sample error rate still accepted.
	MaxErrorRate float64

	// ReuseSampled keeps disclosed sample bits in the final key material.
	ReuseSampled bool

	// Hash is the privacy amplification compressor, e.g. "sha3-256".
	Hash string

	// LengthPolicy is "full" or "leakage".
	LengthPolicy string

	Epsilon       float64
	Workers       int
	InterceptRate float64
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Store is the session record store configuration.
type Store struct {
	// Path is the bbolt database file. Records are not kept if empty.
	Path string
}

// Metrics is the prometheus configuration.
type Metrics struct {
	// Address is the listen address of the /metrics endpoint, e.g.
	// "127.0.0.1:9184". Metrics are not served if empty.
	Address string

	// Namespace prefixes every metric name.
	Namespace string
}

// Config is the top level configuration.
type Config struct {
	Session *Session
	Logging *Logging
	Store   *Store
	Metrics *Metrics
}

// SessionConfig converts the Session block to a bb84.Config.
func (cfg *Config) SessionConfig() bb84.Config {
	s := cfg.Session
	return bb84.Config{
		NumSlots:         s.NumSlots,
		SampleSize:       s.SampleSize,
		ChannelNoiseRate: s.ChannelNoiseRate,
		Seed:             s.Seed,
		MaxErrorRate:     s.MaxErrorRate,
		ReuseSampled:     s.ReuseSampled,
		Hash:             s.Hash,
		LengthPolicy:     s.LengthPolicy,
		Epsilon:          s.Epsilon,
		Workers:          s.Workers,
		InterceptRate:    s.InterceptRate,
	}
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration. Only the Session block is mandatory.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Session == nil {
		return errors.New("config: No Session block was present")
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Store == nil {
		cfg.Store = &Store{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = defaultNamespace
	}

	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.SessionConfig().Validate(); err != nil {
		return fmt.Errorf("config: Session: %w", err)
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config. Unknown keys are rejected.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: no nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
