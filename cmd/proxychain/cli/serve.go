// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package cli

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-core-stack/proxychain/pkg/config"
	"github.com/go-core-stack/proxychain/pkg/engine"
	"github.com/go-core-stack/proxychain/pkg/metrics"
	"github.com/go-core-stack/proxychain/pkg/proxyurl"
	"github.com/go-core-stack/proxychain/pkg/registry"
)

var (
	serveListenAddr   string
	serveServerType   string
	serveTLSCert      string
	serveTLSKey       string
	serveRealm        string
	serveUpstreamURL  string
	serveAuthUser     string
	serveAuthPass     string
	serveMetricsAddr  string
	serveNoMetrics    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the forward/CONNECT proxy engine",
	Long: `Run the forward/CONNECT proxy engine (C7).

By default the engine accepts every request unauthenticated and dials
targets directly. Set --require-auth-user/--require-auth-pass to
demand Basic Proxy-Authorization, and --upstream-proxy to chain every
request through another proxy (C6).`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "address to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveServerType, "server-type", "", "'http' or 'https' (overrides config)")
	serveCmd.Flags().StringVar(&serveTLSCert, "tls-cert", "", "TLS certificate path, required when server-type is https")
	serveCmd.Flags().StringVar(&serveTLSKey, "tls-key", "", "TLS key path, required when server-type is https")
	serveCmd.Flags().StringVar(&serveRealm, "realm", "", "default Proxy-Authenticate realm")
	serveCmd.Flags().StringVar(&serveUpstreamURL, "upstream-proxy", "", "chain every request through this upstream proxy URL (C6)")
	serveCmd.Flags().StringVar(&serveAuthUser, "require-auth-user", "", "require this Proxy-Authorization username")
	serveCmd.Flags().StringVar(&serveAuthPass, "require-auth-pass", "", "require this Proxy-Authorization password")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "address for the /metrics endpoint (overrides config)")
	serveCmd.Flags().BoolVar(&serveNoMetrics, "no-metrics", false, "disable the /metrics endpoint entirely")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serveListenAddr != "" {
		cfg.ListenAddr = serveListenAddr
	}
	if serveServerType != "" {
		cfg.ServerType = serveServerType
	}
	if serveTLSCert != "" {
		cfg.TLSCert = serveTLSCert
	}
	if serveTLSKey != "" {
		cfg.TLSKey = serveTLSKey
	}
	if serveRealm != "" {
		cfg.Realm = serveRealm
	}
	if serveMetricsAddr != "" {
		cfg.MetricsAddr = serveMetricsAddr
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	log.Logger = log.Level(level)

	var tlsConfig *tls.Config
	if cfg.ServerType == "https" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS key pair: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	if serveUpstreamURL != "" {
		if _, err := proxyurl.Parse(serveUpstreamURL); err != nil {
			return fmt.Errorf("invalid --upstream-proxy: %w", err)
		}
	}

	reg := registry.New()
	srv := engine.NewServer(engine.ServerConfig{
		Addr:              cfg.ListenAddr,
		ServerType:        cfg.ServerType,
		TLSConfig:         tlsConfig,
		Realm:             cfg.Realm,
		DialTimeout:       cfg.DialTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.ShutdownTimeout,
	}, buildPolicy(serveUpstreamURL, serveAuthUser, serveAuthPass), reg)

	var metricsServer *http.Server
	if !serveNoMetrics {
		m := metrics.New()
		unsub := m.Observe(reg)
		defer unsub()

		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics listener exited unexpectedly")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("proxy listener exited: %w", err)
	case <-stop:
		log.Info().Msg("shutting down proxychain")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown incomplete, forced close")
	}
	if metricsServer != nil {
		_ = metricsServer.Close()
	}
	return nil
}

// buildPolicy returns the policy hook driving the standalone CLI: an
// optional Basic credential gate in front of either a direct dial or a
// chained upstream. The policy hook's own decision logic is pluggable
// (spec §1); this is just the default an operator gets from the CLI.
// RequestAuthentication only tells the engine to demand the header's
// presence (spec §4.4); verifying its content is the policy's job, so
// a wrong credential gets its own 407 via CustomResponse rather than
// silently passing through.
func buildPolicy(upstreamURL, wantUser, wantPass string) engine.PolicyFunc {
	return func(ctx context.Context, r *engine.RequestInfo) (*engine.PolicyResult, error) {
		result := &engine.PolicyResult{UpstreamProxyURL: upstreamURL}

		if wantUser == "" {
			return result, nil
		}
		result.RequestAuthentication = true

		auth := proxyurl.ParseProxyAuth(r.Header.Get("Proxy-Authorization"))
		if auth != nil && auth.Username == wantUser && auth.Password != nil && *auth.Password == wantPass {
			return result, nil
		}

		result.CustomResponse = &engine.CustomResponse{
			StatusCode: http.StatusProxyAuthRequired,
			Header: http.Header{
				"Proxy-Authenticate": []string{`Basic realm="proxychain"`},
			},
		}
		return result, nil
	}
}
