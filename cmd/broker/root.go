package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"cipherdm/internal/broker"
)

const (
	keyListen         = "listen"
	keyDB             = "db"
	keyReaperInterval = "reaper_interval"

	shutdownTimeout = 10 * time.Second
)

func newRoot() *cobra.Command {
	v := viper.New()
	var (
		cfgFile string
		verbose bool
	)
	cmd := &cobra.Command{
		Use:          "broker",
		Short:        "Run the cipherdm broker",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				jww.SetStdoutThreshold(jww.LevelDebug)
			} else {
				jww.SetStdoutThreshold(jww.LevelInfo)
			}
			v.SetEnvPrefix("CIPHERDM_BROKER")
			v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
			v.AutomaticEnv()
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return errors.Wrap(err, "read config")
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, v.GetString(keyListen), v.GetString(keyDB), v.GetDuration(keyReaperInterval))
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "config file")
	f.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	f.String(keyListen, ":8080", "listen address")
	f.String(keyDB, "broker.db", "SQLite database path")
	f.Duration(keyReaperInterval, broker.DefaultReaperInterval, "how often expired verifications are reaped")
	for _, k := range []string{keyListen, keyDB, keyReaperInterval} {
		_ = v.BindPFlag(k, f.Lookup(k))
	}
	return cmd
}

func run(ctx context.Context, listen, dbPath string, reap time.Duration) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	st, err := broker.Open(dbPath, broker.WithMetrics(broker.NewMetrics(reg)))
	if err != nil {
		return err
	}
	defer st.Close()

	go st.RunReaper(ctx, reap)

	srv := &http.Server{
		Addr:              listen,
		Handler:           broker.NewServer(st, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		jww.INFO.Printf("[BROKER] listening on %s, database %s", listen, dbPath)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "serve")
	case <-ctx.Done():
	}
	jww.INFO.Printf("[BROKER] shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
