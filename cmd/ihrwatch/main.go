package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"ihrwatch/internal/ihrwatch"
)

var (
	configPath string
	logLevel   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ihrwatch",
		Short:        "Cached Internet Health Report API for the support dashboard",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", getenvDefault("IHRWATCH_CONFIG", "./ihrwatch.yaml"), "path to ihrwatch.yaml")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	root.AddCommand(newServeCmd(), newProbeCmd())
	return root
}

func loadConfig() (ihrwatch.Config, error) {
	cfg, err := ihrwatch.LoadConfig(configPath)
	if err != nil {
		return ihrwatch.Config{}, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		if err := cfg.SetLogLevel(logLevel); err != nil {
			return ihrwatch.Config{}, fmt.Errorf("--log-level: %w", err)
		}
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the /api/ihr routes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				if err := cfg.SetPort(port); err != nil {
					return err
				}
			}
			return serve(cfg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "override server.port")
	return cmd
}

func serve(cfg ihrwatch.Config) error {
	log := ihrwatch.NewLogger(os.Stderr, cfg)

	svc, err := ihrwatch.NewService(cfg, ihrwatch.WithLogger(log))
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Error("close service", "err", err)
		}
	}()

	addr := cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("ihrwatch listening", "addr", addr, "base", cfg.IHR.Base, "asn", cfg.IHR.ASN)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return svc.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newProbeCmd() *cobra.Command {
	var (
		repeat   int
		interval time.Duration
		showData bool
	)
	cmd := &cobra.Command{
		Use:       "probe <alerts|network|search>",
		Short:     "Fetch one endpoint through the cache and print the outcome",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"alerts", "network", "search"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.DisableBackground()

			svc, err := ihrwatch.NewService(cfg, ihrwatch.WithLogger(ihrwatch.NewLogger(cmd.ErrOrStderr(), cfg)))
			if err != nil {
				return fmt.Errorf("init service: %w", err)
			}
			defer func() { _ = svc.Close() }()

			q := probeValues(cmd.Flags())
			var rows []ihrwatch.ProbeRow
			for i := range max(1, repeat) {
				if i > 0 {
					time.Sleep(interval)
				}
				start := time.Now()
				res, st, err := svc.Probe(args[0], q)
				if err != nil {
					return err
				}
				rows = append(rows, ihrwatch.ProbeRow{Attempt: i + 1, Result: res, State: st, Took: time.Since(start)})
			}

			out := cmd.OutOrStdout()
			if err := ihrwatch.PrintProbe(out, rows, time.Now()); err != nil {
				return err
			}
			last := rows[len(rows)-1].Result
			if showData && last.OK {
				if args[0] == "search" {
					return ihrwatch.PrintASNs(out, last.Data)
				}
				_, err := fmt.Fprintln(out, string(last.Data))
				return err
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.String("asn", "", "AS number, e.g. AS21928 (default ihr.asn)")
	f.Int("minutes", 0, "alerts look-back window in minutes (default ihr.minutes)")
	f.String("q", "", "network name filter for search (default discover.query)")
	f.String("country", "", "two-letter country filter for search (default discover.country)")
	f.IntVar(&repeat, "repeat", 1, "number of consecutive Gets")
	f.DurationVar(&interval, "interval", 0, "pause between repeated Gets")
	f.BoolVar(&showData, "data", false, "print the payload of the last attempt")
	return cmd
}

// probeValues turns the probe flags the user set into route query values.
func probeValues(fs *pflag.FlagSet) url.Values {
	q := url.Values{}
	for _, name := range []string{"asn", "q", "country"} {
		if fs.Changed(name) {
			v, _ := fs.GetString(name)
			q.Set(name, v)
		}
	}
	if fs.Changed("minutes") {
		v, _ := fs.GetInt("minutes")
		q.Set("minutes", strconv.Itoa(v))
	}
	return q
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
