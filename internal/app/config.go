package app

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"cipherdm/internal/crypto"
	"cipherdm/internal/domain"
	"cipherdm/internal/services/group"
	"cipherdm/internal/services/identity"
	"cipherdm/internal/services/verification"
)

// Configuration keys.
const (
	KeyHome             = "home"
	KeyBroker           = "broker"
	KeyUser             = "user"
	KeyPassphrase       = "passphrase"
	KeyPoolSize         = "prekeys.pool_size"
	KeyThreshold        = "prekeys.threshold"
	KeyRotationMessages = "group.rotation_messages"
	KeyRotationAge      = "group.rotation_age"
	KeyParallelism      = "group.distribution_parallelism"
	KeyVerificationTTL  = "verification.ttl"
	KeyBackupIterations = "backup.kdf_iterations"
	KeyBackupMemoryKiB  = "backup.kdf_memory_kib"
	KeyBackupThreads    = "backup.kdf_threads"
	KeyHTTPTimeout      = "http.timeout"
)

const (
	defaultHTTPTimeout = 15 * time.Second
	defaultHomeDirName = ".cipherdm"
	defaultBrokerURL   = "http://127.0.0.1:8080"
)

// Config holds runtime wiring options for building a client.
type Config struct {
	Home            string // e.g. $HOME/.cipherdm
	BrokerURL       string // e.g. http://127.0.0.1:8080
	User            domain.UserID
	Passphrase      string // protects pickles at rest
	Prekeys         identity.Config
	Group           group.Config
	VerificationTTL time.Duration
	Backup          crypto.Argon2Params
	HTTPTimeout     time.Duration
}

// DefaultHome returns $HOME/.cipherdm.
func DefaultHome() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return defaultHomeDirName
	}
	return filepath.Join(dir, defaultHomeDirName)
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyHome, DefaultHome())
	v.SetDefault(KeyBroker, defaultBrokerURL)
	v.SetDefault(KeyPoolSize, identity.DefaultPoolSize)
	v.SetDefault(KeyThreshold, identity.DefaultThreshold)
	v.SetDefault(KeyRotationMessages, group.DefaultRotationMessages)
	v.SetDefault(KeyRotationAge, group.DefaultRotationAge)
	v.SetDefault(KeyParallelism, group.DefaultParallelism)
	v.SetDefault(KeyVerificationTTL, verification.DefaultTTL)
	v.SetDefault(KeyBackupIterations, crypto.DefaultArgon2Params.Iterations)
	v.SetDefault(KeyBackupMemoryKiB, crypto.DefaultArgon2Params.MemoryKiB)
	v.SetDefault(KeyBackupThreads, crypto.DefaultArgon2Params.Threads)
	v.SetDefault(KeyHTTPTimeout, defaultHTTPTimeout)
}

// ConfigFromViper reads a Config from v.
func ConfigFromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Home:       v.GetString(KeyHome),
		BrokerURL:  v.GetString(KeyBroker),
		User:       domain.UserID(v.GetString(KeyUser)),
		Passphrase: v.GetString(KeyPassphrase),
		Prekeys: identity.Config{
			PoolSize:  v.GetInt(KeyPoolSize),
			Threshold: v.GetInt(KeyThreshold),
		},
		Group: group.Config{
			RotationMessages: v.GetUint32(KeyRotationMessages),
			RotationAge:      v.GetDuration(KeyRotationAge),
			Parallelism:      v.GetInt(KeyParallelism),
		},
		VerificationTTL: v.GetDuration(KeyVerificationTTL),
		Backup: crypto.Argon2Params{
			Iterations: v.GetUint32(KeyBackupIterations),
			MemoryKiB:  v.GetUint32(KeyBackupMemoryKiB),
			Threads:    uint8(v.GetUint(KeyBackupThreads)),
		},
		HTTPTimeout: v.GetDuration(KeyHTTPTimeout),
	}
	return cfg, cfg.Validate()
}

// Validate reports missing required settings.
func (c Config) Validate() error {
	switch {
	case c.Home == "":
		return errors.Wrap(domain.ErrInvalidArgument, "home directory required")
	case c.BrokerURL == "":
		return errors.Wrap(domain.ErrInvalidArgument, "broker URL required")
	case c.User == "":
		return errors.Wrap(domain.ErrInvalidArgument, "user required")
	case c.Passphrase == "":
		return errors.Wrap(domain.ErrInvalidArgument, "passphrase required")
	}
	return c.Backup.Validate()
}
