package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/spf13/cobra"

	"mesh-nms/pkg/api"
	"mesh-nms/pkg/config"
	"mesh-nms/pkg/controller"
	"mesh-nms/pkg/metrics"
	"mesh-nms/pkg/service"
	"mesh-nms/pkg/version"
)

var logger = loggo.GetLogger("nms.nmsd")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nmsd:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nmsd",
		Short:         "Mesh network state daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

type serveFlags struct {
	configFile string
	envFile    string
	overrides  config.Settings
}

func newServeCmd() *cobra.Command {
	return newServeCmdWith(func(cmd *cobra.Command, s config.Settings) error {
		return serve(cmd.Context(), s)
	})
}

func newServeCmdWith(run func(*cobra.Command, config.Settings) error) *cobra.Command {
	var f serveFlags
	d := config.Defaults()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Poll the configured controllers and serve network state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(cmd, f)
			if err != nil {
				return err
			}
			return run(cmd, s)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.configFile, "config", "", "YAML settings file")
	fs.StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded into the environment if present")
	o := &f.overrides
	fs.StringVar(&o.Listen, "addr", d.Listen, "listen address")
	fs.StringVar(&o.TLSCert, "tls-cert", "", "TLS cert path (enables HTTPS if set with --tls-key)")
	fs.StringVar(&o.TLSKey, "tls-key", "", "TLS key path (enables HTTPS if set with --tls-cert)")
	fs.StringVar(&o.ClientCA, "client-ca", "", "require and verify client certs using this CA (optional)")
	fs.StringVar(&o.Store, "store", d.Store, "config store backend: file|consul (consul requires build tag consul)")
	fs.StringVar(&o.ConsulAddr, "consul-addr", d.ConsulAddr, "consul address (when store=consul)")
	fs.StringVar(&o.ConsulPrefix, "consul-prefix", d.ConsulPrefix, "consul KV prefix (when store=consul)")
	fs.StringVar(&o.ConfigDir, "config-dir", d.ConfigDir, "directory holding instances/ and networks/")
	fs.StringVar(&o.InstancesFile, "instances", d.InstancesFile, "instances file name under <config-dir>/instances")
	fs.BoolVar(&o.WatchConfig, "watch-config", d.WatchConfig, "reload automatically when the config changes")
	fs.DurationVar(&o.RefreshInterval, "refresh-interval", d.RefreshInterval, "default topology poll interval")
	fs.BoolVar(&o.ScanPolling, "scan-polling", d.ScanPolling, "poll scan status")
	fs.DurationVar(&o.ScanPollInterval, "scan-poll-interval", d.ScanPollInterval, "default scan status poll interval")
	fs.DurationVar(&o.HAPollInterval, "ha-poll-interval", d.HAPollInterval, "controller HA state poll interval")
	fs.DurationVar(&o.CallTimeout, "call-timeout", d.CallTimeout, "timeout for each controller call")
	fs.IntVar(&o.Concurrency, "concurrency", d.Concurrency, "controller calls in flight at once")
	fs.IntVar(&o.ControllerPort, "controller-port", d.ControllerPort, "default controller API port")
	fs.IntVar(&o.FailureThreshold, "failure-threshold", d.FailureThreshold, "failed topology polls before a controller is offline")
	fs.DurationVar(&o.StatusExpiry, "status-expiry", d.StatusExpiry, "age after which node status reports are dropped")
	fs.DurationVar(&o.PollerRestartDelay, "poller-restart-delay", d.PollerRestartDelay, "wait before restarting a dead poller")
	fs.StringVar(&o.LogConfig, "logging-config", d.LogConfig, "loggo logging config")
	return cmd
}

// loadSettings layers defaults, the YAML file, .env, NMS_* variables and
// finally any flag given on the command line.
func loadSettings(cmd *cobra.Command, f serveFlags) (config.Settings, error) {
	s := config.Defaults()
	if f.configFile != "" {
		if err := s.LoadFile(f.configFile); err != nil {
			return s, errors.Trace(err)
		}
	}
	if err := config.LoadDotEnv(f.envFile); err != nil {
		return s, errors.Trace(err)
	}
	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return s, errors.Trace(err)
	}
	o := f.overrides
	for name, apply := range map[string]func(){
		"addr":                 func() { s.Listen = o.Listen },
		"tls-cert":             func() { s.TLSCert = o.TLSCert },
		"tls-key":              func() { s.TLSKey = o.TLSKey },
		"client-ca":            func() { s.ClientCA = o.ClientCA },
		"store":                func() { s.Store = o.Store },
		"consul-addr":          func() { s.ConsulAddr = o.ConsulAddr },
		"consul-prefix":        func() { s.ConsulPrefix = o.ConsulPrefix },
		"config-dir":           func() { s.ConfigDir = o.ConfigDir },
		"instances":            func() { s.InstancesFile = o.InstancesFile },
		"watch-config":         func() { s.WatchConfig = o.WatchConfig },
		"refresh-interval":     func() { s.RefreshInterval = o.RefreshInterval },
		"scan-polling":         func() { s.ScanPolling = o.ScanPolling },
		"scan-poll-interval":   func() { s.ScanPollInterval = o.ScanPollInterval },
		"ha-poll-interval":     func() { s.HAPollInterval = o.HAPollInterval },
		"call-timeout":         func() { s.CallTimeout = o.CallTimeout },
		"concurrency":          func() { s.Concurrency = o.Concurrency },
		"controller-port":      func() { s.ControllerPort = o.ControllerPort },
		"failure-threshold":    func() { s.FailureThreshold = o.FailureThreshold },
		"status-expiry":        func() { s.StatusExpiry = o.StatusExpiry },
		"poller-restart-delay": func() { s.PollerRestartDelay = o.PollerRestartDelay },
		"logging-config":       func() { s.LogConfig = o.LogConfig },
	} {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, errors.Trace(s.ConfigureLogging())
}

func serve(ctx context.Context, s config.Settings) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry(true)
	svc, err := service.New(service.Config{
		Settings: s,
		Store:    service.OpenStore(s, clock.WallClock),
		Client:   controller.NewHTTPClient(s.ControllerPort, s.CallTimeout),
		Clock:    clock.WallClock,
		Metrics:  reg,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err := svc.Start(); err != nil {
		return errors.Annotate(err, "startup")
	}
	defer func() {
		if err := svc.Stop(); err != nil {
			logger.Errorf("stopping service: %v", err)
		}
	}()

	hub := api.NewStreamHub(svc)
	defer hub.Close()
	mux := http.NewServeMux()
	api.RegisterRoutes(mux, svc, hub, reg.Handler())

	srv := &http.Server{
		Addr:              s.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Infof("%s listening on %s", version.String(), s.Listen)
		errc <- listen(srv, s)
	}()

	select {
	case err := <-errc:
		return errors.Annotate(err, "server error")
	case <-ctx.Done():
	}
	logger.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Trace(srv.Shutdown(shutdownCtx))
}

func listen(srv *http.Server, s config.Settings) error {
	var err error
	if s.TLSCert != "" && s.TLSKey != "" {
		if s.ClientCA != "" {
			cfg, errTLS := api.ServerTLSConfig(s.TLSCert, s.TLSKey, s.ClientCA)
			if errTLS != nil {
				return errors.Annotate(errTLS, "failed to build TLS config")
			}
			srv.TLSConfig = cfg
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServeTLS(s.TLSCert, s.TLSKey)
		}
	} else {
		err = srv.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
