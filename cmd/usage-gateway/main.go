package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	gwhttp "github.com/noscroll/usage-gateway/pkg/http"
	"github.com/noscroll/usage-gateway/pkg/logger"
	"github.com/noscroll/usage-gateway/pkg/oauth2"
	"github.com/noscroll/usage-gateway/pkg/salesforce"
	"github.com/noscroll/usage-gateway/pkg/server"
	"github.com/noscroll/usage-gateway/pkg/tracing"
)

const desc = `
Local gateway for the NoScroll front end. Serves the static site and forwards usage actions
to the Salesforce Apex REST API, authenticating with the OAuth 2.0 JWT bearer flow.
`

func defaultOpts() *Options {
	return &Options{
		WWWDir:     "www",
		LoginURL:   "https://login.salesforce.com",
		APIPath:    salesforce.DefaultAPIPath,
		JWTKeyEnv:  "SALESFORCE_JWT_KEY",
		JWTKeyFile: "server.key",
		Timeout:    10 * time.Second,
		LimitBytes: server.DefaultRequestLimit,
		LogFormat:  logger.FormatLogfmt,
	}
}

func main() {
	opt := defaultOpts()

	var listen, listenInternal, configFile string
	cmd := &cobra.Command{
		Use:           "usage-gateway",
		Short:         "Gateway between the NoScroll front end and Salesforce.",
		Long:          desc,
		SilenceErrors: true,
		SilenceUsage:  true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd.Flags(), configFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			listener, err := net.Listen("tcp", listen)
			if err != nil {
				return err
			}
			internalListener, err := net.Listen("tcp", listenInternal)
			if err != nil {
				listener.Close()
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return opt.Run(ctx, listener, internalListener)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Path to a YAML, JSON or TOML file with flag values keyed by flag name.")
	cmd.Flags().StringVar(&listen, "listen", "0.0.0.0:8001", "A host:port to listen on for the front end and API.")
	cmd.Flags().StringVar(&listenInternal, "listen-internal", "localhost:8002", "A host:port to listen on for health and metrics.")

	cmd.Flags().StringVar(&opt.WWWDir, "www-dir", opt.WWWDir, "Directory holding the static front end.")

	cmd.Flags().StringVar(&opt.InstanceURL, "instance-url", opt.InstanceURL, "Base URL of the Salesforce instance, e.g. https://example.my.salesforce.com.")
	cmd.Flags().StringVar(&opt.APIPath, "api-path", opt.APIPath, "Path of the Apex REST endpoint on the instance.")
	cmd.Flags().StringVar(&opt.LoginURL, "login-url", opt.LoginURL, "Base URL of the Salesforce login server. Also used as the assertion audience.")
	cmd.Flags().StringVar(&opt.ClientID, "client-id", opt.ClientID, "Consumer key of the connected app, used as the assertion issuer.")
	cmd.Flags().StringVar(&opt.Username, "username", opt.Username, "Salesforce user the gateway acts as, used as the assertion subject.")
	cmd.Flags().StringVar(&opt.JWTKeyEnv, "jwt-key-env", opt.JWTKeyEnv, "Environment variable holding the PEM encoded signing key. Takes precedence over --jwt-key-file.")
	cmd.Flags().StringVar(&opt.JWTKeyFile, "jwt-key-file", opt.JWTKeyFile, "Path to the PEM encoded signing key.")

	cmd.Flags().DurationVar(&opt.Timeout, "timeout", opt.Timeout, "Timeout of each call to Salesforce.")
	cmd.Flags().DurationVar(&opt.DefaultTokenLifetime, "default-token-lifetime", opt.DefaultTokenLifetime, "Lifetime assumed for access tokens issued without expires_in. Zero disables reuse of such tokens.")
	cmd.Flags().Int64Var(&opt.LimitBytes, "limit-bytes", opt.LimitBytes, "The maximum acceptable size of a request made to the API.")
	cmd.Flags().DurationVar(&opt.Ratelimit, "ratelimit", opt.Ratelimit, "Minimum interval between API requests per client. Zero disables rate limiting.")
	cmd.Flags().IntVar(&opt.RatelimitBurst, "ratelimit-burst", 1, "Number of API requests a client may make in a burst before --ratelimit applies.")

	cmd.Flags().BoolVarP(&opt.Verbose, "verbose", "v", opt.Verbose, "Log every request to and response from Salesforce.")
	cmd.Flags().StringVar(&opt.LogLevel, "log-level", opt.LogLevel, "Log filtering level. e.g info, debug, warn, error")
	cmd.Flags().StringVar(&opt.LogFormat, "log-format", opt.LogFormat, "Log format. Options: 'logfmt', 'json'.")

	cmd.Flags().StringVar(&opt.TracingServiceName, "internal.tracing.service-name", "usage-gateway",
		"The service name to report to the tracing backend.")
	cmd.Flags().StringVar(&opt.TracingEndpoint, "internal.tracing.endpoint", "",
		"The host:port of the OTLP/HTTP trace collector. If it's not set, tracing will be disabled.")
	cmd.Flags().BoolVar(&opt.TracingInsecure, "internal.tracing.insecure", true,
		"Send traces to the collector over plain HTTP.")
	cmd.Flags().Float64Var(&opt.TracingSamplingFraction, "internal.tracing.sampling-fraction", 0.1,
		"The fraction of traces to sample. Thus, if you set this to .5, half of traces will be sampled.")

	l := logger.New(os.Stderr, logger.FormatLogfmt)
	stdlog.SetOutput(log.NewStdlibAdapter(l))

	if err := cmd.Execute(); err != nil {
		level.Error(l).Log("err", err)
		os.Exit(1)
	}
}

type Options struct {
	WWWDir string

	InstanceURL string
	APIPath     string
	LoginURL    string
	ClientID    string
	Username    string
	JWTKeyEnv   string
	JWTKeyFile  string

	Timeout              time.Duration
	DefaultTokenLifetime time.Duration
	LimitBytes           int64
	Ratelimit            time.Duration
	RatelimitBurst       int

	LogLevel  string
	LogFormat string
	// Logger is built from LogFormat when nil.
	Logger log.Logger
	// Fs holds the static root and key file. Defaults to the OS filesystem.
	Fs afero.Fs

	TracingServiceName      string
	TracingEndpoint         string
	TracingInsecure         bool
	TracingSamplingFraction float64

	Verbose bool
}

type Paths struct {
	Paths []string `json:"paths"`
}

func (o *Options) validate() error {
	var missing []string
	for _, f := range []struct{ flag, value string }{
		{"instance-url", o.InstanceURL},
		{"client-id", o.ClientID},
		{"username", o.Username},
	} {
		if len(strings.TrimSpace(f.value)) == 0 {
			missing = append(missing, "--"+f.flag)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if o.Timeout <= 0 {
		return fmt.Errorf("--timeout must be positive, got %s", o.Timeout)
	}
	return nil
}

func (o *Options) Run(ctx context.Context, externalListener, internalListener net.Listener) error {
	if err := o.validate(); err != nil {
		externalListener.Close()
		internalListener.Close()
		return err
	}

	if o.Logger == nil {
		o.Logger = logger.New(os.Stderr, o.LogFormat)
	}
	o.Logger = logger.Filter(o.Logger, o.LogLevel)
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tp, shutdownTracer, err := tracing.InitTracer(
		ctx,
		o.TracingServiceName,
		o.TracingEndpoint,
		o.TracingInsecure,
		o.TracingSamplingFraction,
	)
	if err != nil {
		externalListener.Close()
		internalListener.Close()
		return fmt.Errorf("cannot initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			level.Warn(o.Logger).Log("msg", "failed to flush traces", "err", err)
		}
	}()

	otel.SetErrorHandler(tracing.OtelErrorHandler{Logger: o.Logger})

	baseTransport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     30 * time.Second,
	}
	var transport http.RoundTripper = otelhttp.NewTransport(baseTransport, otelhttp.WithTracerProvider(tp))

	if o.Verbose {
		transport = gwhttp.NewDebugRoundTripper(o.Logger, transport)
	}

	instrumented := gwhttp.NewInstrumentedRoundTripper(reg)
	upstreamClient := &http.Client{
		Timeout: o.Timeout,
		Transport: &gwhttp.PathRouter{
			Routes:  map[string]http.RoundTripper{salesforce.TokenPath: instrumented.NewRoundTripper("oauth", transport)},
			Default: instrumented.NewRoundTripper("salesforce", transport),
		},
	}

	sf, err := salesforce.New(o.Logger, upstreamClient, salesforce.Config{
		LoginURL:             o.LoginURL,
		InstanceURL:          o.InstanceURL,
		APIPath:              o.APIPath,
		DefaultTokenLifetime: o.DefaultTokenLifetime,
	})
	if err != nil {
		externalListener.Close()
		internalListener.Close()
		return err
	}

	keys := oauth2.NewEnvOrFileKeySource(o.Logger, o.Fs, o.JWTKeyEnv, o.JWTKeyFile)
	if _, err := keys.PrivateKey(); err != nil {
		level.Warn(o.Logger).Log("msg", "no usable signing key, API requests will fail until one is provided", "env", o.JWTKeyEnv, "file", o.JWTKeyFile, "err", err)
	}

	signer := oauth2.NewSigner(o.ClientID, o.Username, o.LoginURL, keys)
	tokens := oauth2.NewTokenCache(o.Logger, reg, signer, sf)
	gateway := server.NewGateway(o.Logger, tokens, sf)

	var g run.Group
	{
		internal := http.NewServeMux()

		gwhttp.DebugRoutes(internal)
		gwhttp.MetricRoutes(internal, reg)
		gwhttp.HealthRoutes(internal)

		r := chi.NewRouter()
		r.Mount("/", internal)

		internalPathJSON, _ := json.MarshalIndent(Paths{Paths: []string{"/", "/metrics", "/debug/pprof", "/healthz", "/healthz/ready"}}, "", "  ")
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			w.Header().Add("Content-Type", "application/json")
			if _, err := w.Write(internalPathJSON); err != nil {
				level.Error(o.Logger).Log("msg", "could not write internal paths", "err", err)
			}
		})

		s := &http.Server{
			Handler:           otelhttp.NewHandler(r, "internal", otelhttp.WithTracerProvider(tp)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Run the internal server.
		g.Add(func() error {
			if err := s.Serve(internalListener); err != nil && err != http.ErrServerClosed {
				level.Error(o.Logger).Log("msg", "internal HTTP server exited", "err", err)
				return err
			}
			return nil
		}, func(error) {
			shutdown(o.Logger, s, "internal")
			internalListener.Close()
		})
	}
	{
		external := server.NewRouter(o.Logger, server.RouterOptions{
			API:            server.NewAPI(o.Logger, reg, gateway, o.LimitBytes),
			Static:         server.NewStatic(o.Logger, server.NewStaticRoot(o.Fs, o.WWWDir)),
			Instrumenter:   server.NewInstrumenter(reg),
			Ratelimit:      o.Ratelimit,
			RatelimitBurst: o.RatelimitBurst,
		})

		s := &http.Server{
			Handler:           otelhttp.NewHandler(external, "external", otelhttp.WithTracerProvider(tp)),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog: stdlog.New(
				&filteredHTTP2ErrorWriter{
					out:               os.Stderr,
					toDebugLogFilters: logFilter,
					logger:            o.Logger,
				},
				"",
				0),
		}

		// Run the external server.
		g.Add(func() error {
			if err := s.Serve(externalListener); err != nil && err != http.ErrServerClosed {
				level.Error(o.Logger).Log("msg", "external HTTP server exited", "err", err)
				return err
			}
			return nil
		}, func(error) {
			shutdown(o.Logger, s, "external")
			externalListener.Close()

			// Close clients in order to check for leaks properly.
			baseTransport.CloseIdleConnections()
		})
	}

	// Kill all when caller requests to.
	gctx, gcancel := context.WithCancel(ctx)
	g.Add(func() error {
		<-gctx.Done()
		return gctx.Err()
	}, func(err error) {
		gcancel()
	})

	level.Info(o.Logger).Log(
		"msg", "starting usage-gateway",
		"external", externalListener.Addr().String(),
		"internal", internalListener.Addr().String(),
		"www", o.WWWDir,
		"upstream", sf.APIURL(),
	)

	return g.Run()
}

func shutdown(logger log.Logger, s *http.Server, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		level.Warn(logger).Log("msg", "graceful shutdown failed", "server", name, "err", err)
	}
}

// logFilter is a list of filters
var logFilter = [][]string{
	// filter out TCP probes
	// see https://github.com/golang/go/issues/26918
	{
		"http2: server: error reading preface from client",
		"read: connection reset by peer",
	},
}

type filteredHTTP2ErrorWriter struct {
	out io.Writer
	// toDebugLogFilters is a list of filters.
	// All strings within a filter must match for the filter to match.
	// If any of the filters matches, the log is written to debug level.
	toDebugLogFilters [][]string
	logger            log.Logger
}

func (w *filteredHTTP2ErrorWriter) Write(p []byte) (int, error) {
	logContents := string(p)

	for _, filter := range w.toDebugLogFilters {
		shouldFilter := true
		for _, matches := range filter {
			if !strings.Contains(logContents, matches) {
				shouldFilter = false
				break
			}
		}
		if shouldFilter {
			level.Debug(w.logger).Log("msg", "http server error log has been filtered", "error", logContents)
			return len(p), nil
		}
	}
	return w.out.Write(p)
}
