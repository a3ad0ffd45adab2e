// Command clockwork serves the Clockwork.earth site: articles, projects and
// the PDF delivery pipeline.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/clockwork-earth/clockwork/article"
	"github.com/clockwork-earth/clockwork/backend"
	"github.com/clockwork-earth/clockwork/credentials"
	"github.com/clockwork-earth/clockwork/credentials/opprovider"
	"github.com/clockwork-earth/clockwork/seed"
	"github.com/clockwork-earth/clockwork/server"
	"github.com/clockwork-earth/clockwork/storage"
	"github.com/clockwork-earth/clockwork/telemetry"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"CLOCKWORK_LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text" env:"CLOCKWORK_LOG_FORMAT"`
	DataDir   string `help:"Directory holding the databases and stored PDFs." default:"./data" type:"path" env:"CLOCKWORK_DATA_DIR"`
	PublicURL string `help:"Externally visible site URL used in stored object links." env:"CLOCKWORK_PUBLIC_URL"`
}

// CLI is the command line.
type CLI struct {
	Globals

	Serve   ServeCmd         `cmd:"" default:"withargs" help:"Run the web server."`
	Import  ImportCmd        `cmd:"" help:"Load articles from a YAML seed file."`
	Version kong.VersionFlag `help:"Print version and exit."`
}

// ServeCmd runs the HTTP server.
type ServeCmd struct {
	Address         string        `help:"Address to listen on." default:":8080" env:"CLOCKWORK_ADDRESS"`
	SelfURL         string        `help:"URL the server uses to reach itself (default: http://127.0.0.1<address>)." env:"CLOCKWORK_SELF_URL"`
	AdminToken      string        `help:"Bearer token for /admin routes; admin is disabled when empty." env:"CLOCKWORK_ADMIN_TOKEN"`
	CredentialsFile string        `help:"Credentials template (YAML) resolving the admin token and upstream tokens." type:"existingfile" env:"CLOCKWORK_CREDENTIALS_FILE"`
	UploadMaxSize   int64         `help:"Maximum PDF upload size in bytes." default:"10485760"`
	ProxyAllowHosts []string      `name:"proxy-allowed-hosts" help:"Hosts the PDF proxy may fetch from (subdomains included); empty allows any." env:"CLOCKWORK_PROXY_ALLOWED_HOSTS"`
	ProxyMaxBytes   int64         `help:"Maximum proxied document size in bytes." default:"52428800"`
	BlobExpiry      time.Duration `help:"How long fetched documents stay fresh for viewers." default:"30m"`
	BlobSweep       time.Duration `name:"blob-sweep-interval" help:"How often stale documents are released." default:"5m"`
	ViewerIdle      time.Duration `help:"Close viewer sessions idle this long (0 disables)." default:"30m"`
	OrphanGrace     time.Duration `help:"Delete unreferenced uploads older than this (0 disables)." default:"24h"`
	ExpiryInterval  time.Duration `name:"expiry-check-interval" help:"How often viewers and orphans are checked." default:"10m"`
	OTLPEndpoint    string        `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Prometheus      bool          `help:"Expose Prometheus metrics at /metrics." default:"true" negatable:""`
	ShutdownTimeout time.Duration `help:"Graceful shutdown timeout." default:"10s"`
}

// ImportCmd loads a seed file.
type ImportCmd struct {
	File string `arg:"" help:"Seed file to import." type:"existingfile"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("clockwork"),
		kong.Description("Clockwork.earth site server."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)

	kctx.FatalIfErrorf(kctx.Run(&cli.Globals, logger))
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.TimeOnly})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

// Run starts the server and blocks until a signal or a fatal error.
func (c *ServeCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "clockwork",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logger.Warn("shutting down metrics", "error", err)
		}
	}()

	adminToken := c.AdminToken
	var upstreamTokens map[string]string
	if c.CredentialsFile != "" {
		resolver := credentials.NewResolver(
			credentials.WithLogger(logger.With("component", "credentials")),
			opprovider.WithOnePassword(),
		)
		creds, err := resolver.ResolveFile(ctx, c.CredentialsFile)
		if err != nil {
			return fmt.Errorf("resolving credentials: %w", err)
		}
		if creds.AdminToken != "" {
			adminToken = creds.AdminToken
		}
		upstreamTokens = creds.HostTokens()
	}

	srv, err := server.New(server.Config{
		Address:             c.Address,
		DataDir:             g.DataDir,
		PublicURL:           g.PublicURL,
		SelfURL:             c.SelfURL,
		AdminToken:          adminToken,
		ProxyAllowedHosts:   c.ProxyAllowHosts,
		ProxyMaxBytes:       c.ProxyMaxBytes,
		UpstreamTokens:      upstreamTokens,
		UploadMaxSize:       c.UploadMaxSize,
		BlobExpiry:          c.BlobExpiry,
		BlobSweepInterval:   c.BlobSweep,
		ViewerIdle:          c.ViewerIdle,
		OrphanGrace:         c.OrphanGrace,
		ExpiryCheckInterval: c.ExpiryInterval,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return srv.Start(egCtx)
	})
	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info("shutting down", "reason", context.Cause(egCtx))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("server started",
		"address", srv.Address(),
		"data_dir", g.DataDir,
		"admin", adminToken != "",
		"proxy_allowed_hosts", len(c.ProxyAllowHosts),
	)
	return eg.Wait()
}

// Run imports the seed file into the data directory. The server must not
// be running against the same directory.
func (c *ImportCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()

	fs, err := backend.NewFilesystem(filepath.Join(g.DataDir, server.BlobsDir))
	if err != nil {
		return fmt.Errorf("creating filesystem backend: %w", err)
	}
	publicURL := g.PublicURL
	if publicURL == "" {
		publicURL = "http://localhost:8080"
	}
	bucket := storage.New(fs,
		storage.WithLogger(logger.With("component", "storage")),
		storage.WithPublicBaseURL(publicURL),
	)
	if err := bucket.OpenIndex(filepath.Join(g.DataDir, server.ObjectIndexFile)); err != nil {
		return err
	}
	defer func() { _ = bucket.Close() }()

	articles, err := article.Open(filepath.Join(g.DataDir, server.ArticleDBFile),
		article.WithLogger(logger.With("component", "article")))
	if err != nil {
		return fmt.Errorf("opening article store: %w", err)
	}
	defer func() { _ = articles.Close() }()

	result, err := seed.NewImporter(articles, bucket, logger.With("component", "seed")).ImportFile(ctx, c.File)
	if result != nil {
		logger.Info("import finished", "created", result.Created, "skipped", result.Skipped)
	}
	return err
}
