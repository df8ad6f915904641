package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	_ "expvar"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/trow-registry/trow/configuration"
	"github.com/trow-registry/trow/internal/dcontext"
	"github.com/trow-registry/trow/registry/handlers"
	_ "github.com/trow-registry/trow/registry/storage/driver/azure"
	_ "github.com/trow-registry/trow/registry/storage/driver/filesystem"
	_ "github.com/trow-registry/trow/registry/storage/driver/inmemory"
	_ "github.com/trow-registry/trow/registry/storage/driver/s3"
	"github.com/trow-registry/trow/version"
	gorhandlers "github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "trow",
		Short: "Trow is an OCI-conformant container and Helm registry with a pull-through proxy and a Kubernetes admission controller",
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			version.PrintVersion()
			return nil
		},
	}
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve <config-file>",
		Short: "Start the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(args[0])
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the configuration file (overrides the positional argument)")

	return cmd
}

func serve(configArg string) error {
	path := configPath
	if path == "" {
		path = configArg
	}
	if path == "" {
		path = os.Getenv("TROW_CONFIGURATION_PATH")
	}
	if path == "" {
		return fmt.Errorf("configuration path unspecified")
	}

	fp, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fp.Close()

	config, err := configuration.Parse(fp)
	if err != nil {
		return fmt.Errorf("error parsing %s: %v", path, err)
	}

	ctx := configureLogging(context.Background(), config)

	app, err := handlers.NewApp(ctx, config)
	if err != nil {
		return fmt.Errorf("error initializing registry: %v", err)
	}
	app.RegisterHealthChecks()

	handler := gorhandlers.CombinedLoggingHandler(os.Stdout, app.Handler())

	if config.HTTP.Debug.Addr != "" {
		go debugServer(config.HTTP.Debug.Addr)
	}

	if config.HTTP.TLS.Certificate == "" {
		dcontext.GetLogger(app).Infof("listening on %v", config.HTTP.Addr)
		return http.ListenAndServe(config.HTTP.Addr, handler)
	}

	tlsConf := &tls.Config{
		ClientAuth: tls.NoClientCert,
	}

	if len(config.HTTP.TLS.ClientCAs) != 0 {
		pool := x509.NewCertPool()

		for _, ca := range config.HTTP.TLS.ClientCAs {
			caPem, err := os.ReadFile(ca)
			if err != nil {
				return err
			}

			if ok := pool.AppendCertsFromPEM(caPem); !ok {
				return fmt.Errorf("could not add CA to pool")
			}
		}

		tlsConf.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConf.ClientCAs = pool
	}

	dcontext.GetLogger(app).Infof("listening on %v, tls", config.HTTP.Addr)
	server := &http.Server{
		Addr:      config.HTTP.Addr,
		Handler:   handler,
		TLSConfig: tlsConf,
	}

	return server.ListenAndServeTLS(config.HTTP.TLS.Certificate, config.HTTP.TLS.Key)
}

// configureLogging prepares the context with a logger using the
// configuration.
func configureLogging(ctx context.Context, config *configuration.Configuration) context.Context {
	level := config.Log.Level
	if level == "" {
		level = config.Loglevel
	}

	if lvl, err := logrus.ParseLevel(string(level)); err == nil {
		logrus.SetLevel(lvl)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}

	switch config.Log.Formatter {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{})
	default:
		logrus.Warnf("unsupported logging formatter: %q, using text", config.Log.Formatter)
		logrus.SetFormatter(&logrus.TextFormatter{})
	}

	logrus.SetReportCaller(config.Log.ReportCaller)

	fields := map[interface{}]interface{}{"version": version.Version()}
	for k, v := range config.Log.Fields {
		fields[k] = v
	}

	return dcontext.WithLogger(ctx, dcontext.GetLoggerWithFields(ctx, fields))
}

// debugServer starts the debug server with pprof and expvar. The addr
// should not be exposed externally.
func debugServer(addr string) {
	logrus.Infof("debug server listening %v", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		logrus.Fatalf("error listening on debug interface: %v", err)
	}
}
