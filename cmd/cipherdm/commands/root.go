package commands

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"cipherdm/internal/app"
	"cipherdm/internal/domain"
)

const (
	envPrefix   = "CIPHERDM"
	keyDegraded = "degraded"
)

var (
	v       = viper.New()
	cfgFile string
	verbose int
	client  *app.Client
)

// Execute runs the root command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return newRoot().ExecuteContext(ctx)
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "cipherdm",
		Short:         "End-to-end encrypted direct and group messaging",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			initLog()
			return initConfig()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if client == nil {
				return nil
			}
			err := client.Close()
			client = nil
			return err
		},
	}

	app.SetDefaults(v)
	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default $HOME/.cipherdm/config.{toml,yaml,json})")
	pf.CountVarP(&verbose, "verbose", "v", "log more; repeat for trace")
	pf.String(app.KeyHome, app.DefaultHome(), "state directory")
	pf.String(app.KeyBroker, "http://127.0.0.1:8080", "broker base URL")
	pf.StringP(app.KeyUser, "u", "", "your user id")
	pf.StringP(app.KeyPassphrase, "p", "", "passphrase protecting local keys")
	pf.Bool(keyDegraded, false, "continue with local keys after a device mismatch")
	for _, name := range []string{app.KeyHome, app.KeyBroker, app.KeyUser, app.KeyPassphrase, keyDegraded} {
		_ = v.BindPFlag(name, pf.Lookup(name))
	}

	root.AddCommand(
		initCmd(),
		statusCmd(),
		fingerprintCmd(),
		replenishCmd(),
		sendCmd(),
		recvCmd(),
		groupCmd(),
		verifyCmd(),
		trustCmd(),
		backupCmd(),
		deviceCmd(),
	)
	return root
}

func initLog() {
	switch {
	case verbose > 1:
		jww.SetStdoutThreshold(jww.LevelTrace)
	case verbose == 1:
		jww.SetStdoutThreshold(jww.LevelDebug)
	default:
		jww.SetStdoutThreshold(jww.LevelWarn)
	}
}

func initConfig() error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(v.GetString(app.KeyHome))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return errors.Wrap(err, "read config")
		}
	} else {
		jww.DEBUG.Printf("using config %s", filepath.Clean(v.ConfigFileUsed()))
	}
	return nil
}

// open builds and loads the client. Loading errors are returned as they
// are; status checks are left to each command.
func open(ctx context.Context) (*app.Client, error) {
	cfg, err := app.ConfigFromViper(v)
	if err != nil {
		return nil, err
	}
	c, err := app.Open(ctx, cfg)
	if c != nil {
		client = c
	}
	return c, err
}

// ready opens the client and requires status ready.
func ready(ctx context.Context) (*app.Client, error) {
	c, err := open(ctx)
	if err != nil {
		return nil, err
	}
	switch s := c.Status(); s {
	case domain.StatusReady:
		return c, nil
	case domain.StatusNeedsSetup:
		return nil, errors.Wrap(domain.ErrNoAccount, "run 'cipherdm init' first")
	case domain.StatusDeviceMismatch:
		if v.GetBool(keyDegraded) {
			if err := c.Dismiss(); err != nil {
				return nil, err
			}
			jww.WARN.Printf("device mismatch dismissed, peers may not reach this device")
			return c, nil
		}
		return nil, errors.Wrap(domain.ErrDeviceMismatch, "run 'cipherdm device regenerate' or pass --degraded")
	default:
		return nil, errors.Wrapf(domain.ErrNotReady, "status %s", s)
	}
}
