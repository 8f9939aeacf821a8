// Package chamberconfig loads the tunable parameters a vault is opened
// with — KDF hardness and the file permission policy — from a TOML file or
// from functional options, validating either source the same way.
package chamberconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/chambervault/chamber/vaultcrypto"
	"github.com/chambervault/chamber/vaulterrors"
)

// ConfigError reports which configuration field failed validation and why.
type ConfigError struct {
	Opt string
	Err error
}

func (e *ConfigError) Error() string {
	return "chamberconfig: " + strings.Join([]string{e.Opt, e.Err.Error()}, ": ")
}

func (e *ConfigError) Unwrap() error { return errors.Join(e.Err, vaulterrors.ErrConfig) }

// Config holds the values spec.md §6's configuration table names: the KDF
// defaults a fresh vault is initialized under, and whether to refuse a
// world-readable vault file.
//
//nolint:tagalign
type Config struct {
	KDFMemoryKiB   uint32 `toml:"kdf_memory_kib,commented" comment:"Argon2id memory cost in KiB (default: 65536, minimum: 65536)"`
	KDFIterations  uint32 `toml:"kdf_iterations,commented" comment:"Argon2id time cost (default: 3, minimum: 3)"`
	KDFParallelism uint8  `toml:"kdf_parallelism,commented" comment:"Argon2id parallelism factor (default: 1, minimum: 1)"`

	RequireOwnerOnlyPermissions bool `toml:"require_owner_only_permissions,commented" comment:"Refuse to open a vault file readable by group or other (default: true)"`
}

// Option configures a [Config] built with [New].
type Option func(*Config)

// WithArgon2Params overrides the KDF defaults a vault is initialized under.
func WithArgon2Params(p vaultcrypto.Argon2Params) Option {
	return func(c *Config) {
		c.KDFMemoryKiB = p.Memory
		c.KDFIterations = p.Time
		c.KDFParallelism = p.Parallelism
	}
}

// WithInsecurePermissions disables the owner-only file permission check.
func WithInsecurePermissions() Option {
	return func(c *Config) { c.RequireOwnerOnlyPermissions = false }
}

// Default returns a [Config] at the hardness floor [vaultcrypto] enforces,
// with owner-only permissions required.
func Default() *Config {
	d := vaultcrypto.DefaultArgon2Params()

	return &Config{
		KDFMemoryKiB:                d.Memory,
		KDFIterations:               d.Time,
		KDFParallelism:              d.Parallelism,
		RequireOwnerOnlyPermissions: true,
	}
}

// New builds a [Config] starting from [Default] and applying opts in
// order, then validates the result.
func New(opts ...Option) (*Config, error) {
	c := Default()
	for _, opt := range opts {
		opt(c)
	}

	return c, c.validate()
}

// Load reads and parses a TOML file at path into a [Config] seeded with
// [Default] values, so fields absent from the file keep their default.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("chamberconfig: read file: %w", err)
	}

	c := Default()
	if err := toml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("chamberconfig: parse file: %w", err)
	}

	return c, c.validate()
}

// Argon2Params projects c's KDF fields into a [vaultcrypto.Argon2Params].
func (c *Config) Argon2Params() vaultcrypto.Argon2Params {
	return vaultcrypto.Argon2Params{
		Memory:      c.KDFMemoryKiB,
		Time:        c.KDFIterations,
		Parallelism: c.KDFParallelism,
	}
}

func (c *Config) validate() error {
	if c == nil {
		return &ConfigError{Opt: "config", Err: errors.New("nil config")}
	}

	if !c.Argon2Params().Valid() {
		return &ConfigError{
			Opt: "kdf",
			Err: fmt.Errorf("memory=%d iterations=%d parallelism=%d below minimum hardness", c.KDFMemoryKiB, c.KDFIterations, c.KDFParallelism),
		}
	}

	return nil
}
