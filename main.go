package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"layerstore/internal/config"
	"layerstore/internal/web"
	"layerstore/pkg/archive"
	"layerstore/pkg/image"
	"layerstore/pkg/metrics"
	"layerstore/pkg/puller"
	"layerstore/pkg/store"
)

type PullCmd struct {
	Images   []string `arg:"positional,required" help:"Image references to pull."`
	Attempts uint     `arg:"--attempts,env:ATTEMPTS" default:"1" help:"Number of times to attempt each pull before giving up."`
}

type ServeCmd struct {
	Addr        string `arg:"--addr,env:ADDR" default:":8080" help:"Address to serve the image resolve endpoint."`
	MetricsAddr string `arg:"--metrics-addr,env:METRICS_ADDR" default:":9090" help:"Address to serve metrics."`
}

type Arguments struct {
	Pull  *PullCmd  `arg:"subcommand:pull"`
	Serve *ServeCmd `arg:"subcommand:serve"`

	StoreDir       string        `arg:"--store-dir,env:STORE_DIR" default:"/var/lib/layerstore" help:"Directory where layers and metadata are persisted."`
	Puller         string        `arg:"--puller,env:PULLER" default:"registry" help:"Puller to use, registry or local."`
	RegistryURL    string        `arg:"--registry-url,env:REGISTRY_URL" default:"https://registry-1.docker.io" help:"Registry API endpoint."`
	AuthURL        string        `arg:"--auth-url,env:AUTH_URL" default:"https://auth.docker.io/token" help:"Registry token endpoint."`
	Account        string        `arg:"--account,env:ACCOUNT" help:"Account to pass along with token requests."`
	RegistryConfig string        `arg:"--registry-config,env:REGISTRY_CONFIG" help:"TOML file overriding registry endpoint settings."`
	ArchivesDir    string        `arg:"--archives-dir,env:ARCHIVES_DIR" help:"Directory holding saved image archives for the local puller."`
	Extractor      string        `arg:"--extractor,env:EXTRACTOR" default:"exec" help:"Archive extractor to use, exec or native."`
	PullTimeout    time.Duration `arg:"--pull-timeout,env:PULL_TIMEOUT" default:"5m" help:"Max duration of a single registry pull."`
	LogLevel       slog.Level    `arg:"--log-level,env:LOG_LEVEL" default:"INFO" help:"Minimum log level to output. Value should be DEBUG, INFO, WARN, or ERROR."`
}

func main() {
	args := &Arguments{}
	arg.MustParse(args)

	opts := slog.HandlerOptions{
		AddSource: true,
		Level:     args.LogLevel,
	}
	handler := slog.NewJSONHandler(os.Stderr, &opts)
	log := logr.FromSlogHandler(handler)
	ctx := logr.NewContext(context.Background(), log)

	err := run(ctx, args)
	if err != nil {
		log.Error(err, "run exit with error")
		os.Exit(1)
	}
	log.Info("gracefully shutdown")
}

func run(ctx context.Context, args *Arguments) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// Dispatch before touching the store so an unknown invocation does not
	// create the store directory tree as a side effect.
	var command func(context.Context, *store.Store) error
	switch {
	case args.Pull != nil:
		command = func(ctx context.Context, imageStore *store.Store) error {
			return pullCommand(ctx, args.Pull, imageStore)
		}
	case args.Serve != nil:
		command = func(ctx context.Context, imageStore *store.Store) error {
			return serveCommand(ctx, args.Serve, imageStore)
		}
	default:
		return errors.New("unknown subcommand")
	}

	imageStore, err := newStore(ctx, args)
	if err != nil {
		return err
	}
	return command(ctx, imageStore)
}

func newStore(ctx context.Context, args *Arguments) (*store.Store, error) {
	log := logr.FromContextOrDiscard(ctx)

	if args.RegistryConfig != "" {
		cfg, err := config.Load(args.RegistryConfig)
		if err != nil {
			return nil, err
		}
		args.RegistryURL = cfg.Registry.URL
		if cfg.Registry.AuthURL != "" {
			args.AuthURL = cfg.Registry.AuthURL
		}
		if cfg.Registry.Account != "" {
			args.Account = cfg.Registry.Account
		}
	}

	extractor, err := archive.New(args.Extractor)
	if err != nil {
		return nil, err
	}

	p, err := puller.New(puller.Config{
		Kind:        args.Puller,
		RegistryURL: args.RegistryURL,
		AuthURL:     args.AuthURL,
		Account:     args.Account,
		PullTimeout: args.PullTimeout,
		ArchivesDir: args.ArchivesDir,
		Extractor:   extractor,
		Log:         log,
	})
	if err != nil {
		return nil, err
	}

	imageStore, err := store.NewStore(args.StoreDir, p, store.WithLogger(log))
	if err != nil {
		return nil, err
	}
	if err := imageStore.Recover(); err != nil {
		return nil, err
	}
	return imageStore, nil
}

func pullCommand(ctx context.Context, args *PullCmd, imageStore *store.Store) error {
	log := logr.FromContextOrDiscard(ctx)

	for _, ref := range args.Images {
		name, err := image.ParseName(ref)
		if err != nil {
			return err
		}

		// The store keeps no partial cache entries, so a retry is simply a
		// new Get.
		layers, err := retry.DoWithData(
			func() ([]string, error) {
				return imageStore.Get(ctx, name)
			},
			retry.Context(ctx),
			retry.Attempts(args.Attempts),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(attempt uint, err error) {
				log.Error(err, "pull attempt failed", "image", name.String(), "attempt", attempt+1)
			}),
		)
		if err != nil {
			return err
		}

		fmt.Println(name.String())
		for _, layer := range layers {
			fmt.Println("  " + layer)
		}
	}
	return nil
}

func serveCommand(ctx context.Context, args *ServeCmd, imageStore *store.Store) error {
	log := logr.FromContextOrDiscard(ctx)
	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    args.Addr,
		Handler: web.NewServer(imageStore, log).Handler(),
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	metrics.Register()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.DefaultGatherer, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:    args.MetricsAddr,
		Handler: mux,
	}
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	log.Info("running layerstore", "addr", args.Addr, "metrics", args.MetricsAddr)
	return g.Wait()
}
