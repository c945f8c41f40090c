// Command berrymcpd runs the tool-server daemon. By default it serves the
// networked streamhttp transport plus the OAuth and ops endpoints; with
// --stdio it runs the pipe transport on stdin/stdout instead.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/berrydev/berry-mcp-go/auth"
	"github.com/berrydev/berry-mcp-go/httpapi"
	"github.com/berrydev/berry-mcp-go/internal/logctx"
	"github.com/berrydev/berry-mcp-go/kvstore"
	kvmemory "github.com/berrydev/berry-mcp-go/kvstore/memory"
	kvredis "github.com/berrydev/berry-mcp-go/kvstore/redis"
	"github.com/berrydev/berry-mcp-go/mcp"
	"github.com/berrydev/berry-mcp-go/oauthflow"
	"github.com/berrydev/berry-mcp-go/registry"
	"github.com/berrydev/berry-mcp-go/server"
	"github.com/berrydev/berry-mcp-go/transport/pipe"
	"github.com/berrydev/berry-mcp-go/transport/streamhttp"
	"github.com/cenkalti/backoff/v5"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const version = "0.3.0"

type config struct {
	ListenAddr string `env:"BERRYMCP_LISTEN_ADDR,default=:8080"`
	LogLevel   string `env:"BERRYMCP_LOG_LEVEL,default=info"`
	LogFormat  string `env:"BERRYMCP_LOG_FORMAT,default=json"`

	AuthMode       string `env:"BERRYMCP_AUTH_MODE,default=none"`
	StaticAuthFile string `env:"BERRYMCP_STATIC_AUTH_FILE,default="`
	JWTIssuer      string `env:"BERRYMCP_JWT_ISSUER,default="`
	JWTAudience    string `env:"BERRYMCP_JWT_AUDIENCE,default="`

	OAuthIssuer       string `env:"BERRYMCP_OAUTH_ISSUER,default="`
	OAuthClientID     string `env:"BERRYMCP_OAUTH_CLIENT_ID,default="`
	OAuthClientSecret string `env:"BERRYMCP_OAUTH_CLIENT_SECRET,default="`
	OAuthRedirectURI  string `env:"BERRYMCP_OAUTH_REDIRECT_URI,default="`
	OAuthScopes       string `env:"BERRYMCP_OAUTH_SCOPES,default="`

	RedisURL string `env:"BERRYMCP_REDIS_URL,default="`

	RateLimit  int           `env:"BERRYMCP_RATE_LIMIT,default=100"`
	RateWindow time.Duration `env:"BERRYMCP_RATE_WINDOW,default=60s"`
}

func main() {
	var stdio bool

	root := &cobra.Command{
		Use:           "berrymcpd",
		Short:         "JSON-RPC tool server with elicitation and streaming",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), stdio)
		},
	}
	root.Flags().BoolVar(&stdio, "stdio", false, "serve a single connection on stdin/stdout")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdio bool) error {
	var cfg config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := buildLogger(cfg)

	reg := registry.New()
	if err := registerBuiltins(reg); err != nil {
		return err
	}

	if stdio {
		return runStdio(ctx, log, reg)
	}
	return runHTTP(ctx, log, reg, cfg)
}

// runStdio serves exactly one unauthenticated connection on the process's
// standard streams. Logs go to stderr so they never corrupt the frame stream.
func runStdio(ctx context.Context, log *slog.Logger, reg *registry.Registry) error {
	srv := server.New(reg,
		server.WithLogger(log),
		server.WithServerInfo(mcp.Implementation{Name: "berrymcpd", Version: version}),
	)
	t := pipe.New(os.Stdin, os.Stdout, srv, log)
	log.Info("serving on stdio")
	return t.Serve(ctx)
}

func runHTTP(ctx context.Context, log *slog.Logger, reg *registry.Registry, cfg config) error {
	kv, redisClient, err := buildKV(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	authenticator, cleanup, err := buildAuthenticator(ctx, log, cfg)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	metrics := httpapi.NewMetrics()

	srvOpts := []server.Option{
		server.WithLogger(log),
		server.WithServerInfo(mcp.Implementation{Name: "berrymcpd", Version: version}),
		server.WithRateLimit(cfg.RateLimit, cfg.RateWindow),
		server.WithInvocationObserver(metrics.ObserveInvocation),
		server.WithElicitationObserver(metrics.ObserveElicitation),
	}
	if authenticator != nil {
		srvOpts = append(srvOpts, server.WithAuthRequired())
	}

	srv := server.New(reg, srvOpts...)
	metrics.TrackSessions(srv.Sessions())

	transportOpts := []streamhttp.Option{
		streamhttp.WithLogger(log),
		streamhttp.WithRealm("berrymcp"),
	}
	if authenticator != nil {
		transportOpts = append(transportOpts, streamhttp.WithAuthenticator(authenticator))
	}
	mcpHandler := streamhttp.New(srv, transportOpts...)

	apiOpts := []httpapi.Option{
		httpapi.WithLogger(log),
		httpapi.WithTransport(mcpHandler),
		httpapi.WithMetrics(metrics),
	}
	if redisClient != nil {
		apiOpts = append(apiOpts, httpapi.WithHealthCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}
	if oauthMgr, err := buildOAuth(ctx, cfg, kv, log); err != nil {
		return err
	} else if oauthMgr != nil {
		apiOpts = append(apiOpts, httpapi.WithOAuth(oauthMgr))
	}

	api := httpapi.New(apiOpts...)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func buildLogger(cfg config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(logctx.Handler{Handler: handler})
}

// buildKV selects the Redis store when configured, waiting for the server to
// come up, and falls back to the in-memory store otherwise.
func buildKV(ctx context.Context, log *slog.Logger, cfg config) (kvstore.Store, *redis.Client, error) {
	if cfg.RedisURL == "" {
		kv, err := kvmemory.New(16384)
		if err != nil {
			return nil, nil, err
		}
		return kv, nil, nil
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)

	// Redis may still be starting alongside us.
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn("redis not ready", slog.String("err", err.Error()))
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(30*time.Second))
	if err != nil {
		return nil, nil, fmt.Errorf("redis unavailable: %w", err)
	}

	kv, err := kvredis.New(kvredis.Config{Client: client})
	if err != nil {
		return nil, nil, err
	}
	return kv, client, nil
}

func buildAuthenticator(ctx context.Context, log *slog.Logger, cfg config) (auth.Authenticator, func() error, error) {
	switch strings.ToLower(cfg.AuthMode) {
	case "none", "":
		return nil, nil, nil
	case "static":
		if cfg.StaticAuthFile == "" {
			return nil, nil, fmt.Errorf("static auth mode requires BERRYMCP_STATIC_AUTH_FILE")
		}
		a, err := auth.NewStaticFromFile(cfg.StaticAuthFile, log)
		if err != nil {
			return nil, nil, err
		}
		return a, a.Close, nil
	case "jwt":
		if cfg.JWTIssuer == "" {
			return nil, nil, fmt.Errorf("jwt auth mode requires BERRYMCP_JWT_ISSUER")
		}
		a, err := auth.NewJWTFromDiscovery(ctx, auth.JWTConfig{
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		})
		if err != nil {
			return nil, nil, err
		}
		return a, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
	}
}

func buildOAuth(ctx context.Context, cfg config, kv kvstore.Store, log *slog.Logger) (*oauthflow.Manager, error) {
	if cfg.OAuthIssuer == "" || cfg.OAuthClientID == "" {
		return nil, nil
	}

	ocfg := oauthflow.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		RedirectURI:  cfg.OAuthRedirectURI,
		Scopes:       splitScopes(cfg.OAuthScopes),
	}
	if err := ocfg.DiscoverEndpoints(ctx, cfg.OAuthIssuer); err != nil {
		return nil, fmt.Errorf("oauth discovery failed: %w", err)
	}
	return oauthflow.NewManager(ocfg, kv, oauthflow.WithLogger(log))
}

func splitScopes(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, " ") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// registerBuiltins installs the diagnostic tool set. Real deployments embed
// the server package and register their own tools.
func registerBuiltins(reg *registry.Registry) error {
	type echoArgs struct {
		Message string `json:"message" jsonschema:"description=Text to echo back"`
	}
	return reg.Register(registry.Descriptor{
		Name:        "echo",
		Description: "Returns its input, for connectivity checks.",
		InputSchema: registry.MustSchemaFor(&echoArgs{}),
	}, func(ctx context.Context, tc *registry.ToolContext, args json.RawMessage) (any, error) {
		var in echoArgs
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		return map[string]string{"message": in.Message}, nil
	})
}
