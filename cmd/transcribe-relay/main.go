package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vango-go/vai-transcribe/internal/dotenv"
	"github.com/vango-go/vai-transcribe/internal/logging"
	"github.com/vango-go/vai-transcribe/pkg/core/speech"
	"github.com/vango-go/vai-transcribe/pkg/core/speech/cartesia"
	"github.com/vango-go/vai-transcribe/pkg/core/speech/google"
	"github.com/vango-go/vai-transcribe/pkg/core/textgen"
	"github.com/vango-go/vai-transcribe/pkg/core/textgen/gemini"
	"github.com/vango-go/vai-transcribe/pkg/core/textgen/openai"
	"github.com/vango-go/vai-transcribe/pkg/gateway/config"
	gatewayserver "github.com/vango-go/vai-transcribe/pkg/gateway/server"
)

type relayDeps struct {
	loadDotenv   func() error
	loadConfig   func(*viper.Viper) (config.Config, error)
	newProviders func(context.Context, config.Config, *slog.Logger) (gatewayserver.Providers, func())
	newGateway   func(config.Config, gatewayserver.Providers, *slog.Logger) *gatewayserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadDotenv: func() error {
			return dotenv.Load(".env.local", ".env")
		},
		loadConfig:   config.Load,
		newProviders: buildProviders,
		newGateway:   gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// buildProviders constructs the shared provider clients once. A provider that
// cannot be built is replaced by one that reports the startup error on use, so
// the relay still starts and clients see why transcription or answers fail.
func buildProviders(ctx context.Context, cfg config.Config, logger *slog.Logger) (gatewayserver.Providers, func()) {
	var providers gatewayserver.Providers
	closers := make([]func() error, 0, 2)

	switch cfg.SpeechProvider {
	case config.SpeechCartesia:
		providers.Speech = cartesia.New(cartesia.Options{
			APIKey:  cfg.CartesiaAPIKey,
			BaseURL: cfg.CartesiaBaseURL,
		})
	default:
		var (
			p   *google.Provider
			err error
		)
		if cfg.SpeechCredentialsFile != "" {
			p, err = google.NewWithCredentialsFile(ctx, cfg.SpeechCredentialsFile)
		} else {
			p, err = google.New(ctx)
		}
		if err != nil {
			logger.Warn("speech provider unavailable", "provider", cfg.SpeechProvider, "error", err)
			providers.Speech = speech.Unavailable{Provider: cfg.SpeechProvider, Err: err}
		} else {
			providers.Speech = p
			closers = append(closers, p.Close)
		}
	}

	var (
		gen textgen.Generator
		err error
	)
	switch cfg.TextgenProvider {
	case config.TextgenOpenAI:
		gen, err = openai.New(cfg.TextgenAPIKey, cfg.TextgenBaseURL, cfg.TextgenModel)
	default:
		gen, err = gemini.New(ctx, cfg.TextgenAPIKey, cfg.TextgenModel)
	}
	if err != nil {
		logger.Warn("text generation provider unavailable", "provider", cfg.TextgenProvider, "error", err)
		gen = textgen.Unavailable{Provider: cfg.TextgenProvider, Err: err}
	}
	providers.Generator = gen

	return providers, func() {
		for _, c := range closers {
			_ = c()
		}
	}
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger, deps relayDeps) error {
	if deps.newProviders == nil {
		return errors.New("missing newProviders dependency")
	}
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	providers, closeProviders := deps.newProviders(ctx, cfg, logger)
	if closeProviders != nil {
		defer closeProviders()
	}

	gw := deps.newGateway(cfg, providers, logger)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting transcription relay",
		"addr", cfg.Addr,
		"ws_path", cfg.WSPath,
		"speech_provider", cfg.SpeechProvider,
		"textgen_provider", cfg.TextgenProvider,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context canceled, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	notified := gw.NotifySessionsDraining()
	logger.Info("draining connections", "active", gw.ActiveSessions(), "notified", notified)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitSessions(waitCtx) {
		canceled := gw.CancelSessions()
		logger.Warn("grace period elapsed, closing connections", "canceled", canceled)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("transcription relay stopped")
	return nil
}

func newRootCmd(deps relayDeps, stderr io.Writer) *cobra.Command {
	v := config.New()

	root := &cobra.Command{
		Use:           "transcribe-relay",
		Short:         "Realtime transcription relay with streamed AI answers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "config file (default ./config.yaml if present)")
	root.PersistentFlags().String("log-level", "info", "log level: debug|info|warn|error")
	root.PersistentFlags().String("log-format", "text", "log format: text|json|logfmt")
	_ = v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log.format", root.PersistentFlags().Lookup("log-format"))

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the transcription websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if deps.loadDotenv != nil {
				if err := deps.loadDotenv(); err != nil {
					return err
				}
			}
			if err := readConfigFile(v, cmd); err != nil {
				return err
			}
			if deps.loadConfig == nil {
				return errors.New("missing loadConfig dependency")
			}
			cfg, err := deps.loadConfig(v)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Level:  cfg.LogLevel,
				Format: cfg.LogFormat,
				Writer: stderr,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			slog.SetDefault(logger)
			return runServe(cmd.Context(), cfg, logger, deps)
		},
	}
	serve.Flags().String("addr", config.DefaultAddr, "listen address")
	serve.Flags().String("ws-path", config.DefaultWSPath, "websocket path")
	serve.Flags().String("speech-provider", config.SpeechGoogle, "speech provider: google|cartesia")
	serve.Flags().String("textgen-provider", config.TextgenGemini, "text generation provider: gemini|openai")
	serve.Flags().String("textgen-model", "", "text generation model")
	_ = v.BindPFlag("addr", serve.Flags().Lookup("addr"))
	_ = v.BindPFlag("ws_path", serve.Flags().Lookup("ws-path"))
	_ = v.BindPFlag("speech.provider", serve.Flags().Lookup("speech-provider"))
	_ = v.BindPFlag("textgen.provider", serve.Flags().Lookup("textgen-provider"))
	_ = v.BindPFlag("textgen.model", serve.Flags().Lookup("textgen-model"))

	root.AddCommand(serve)
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	return root
}

// readConfigFile loads --config, or ./config.yaml when it exists.
func readConfigFile(v *viper.Viper, cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %q: %w", path, err)
		}
		return nil
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	root := newRootCmd(deps, stderr)
	root.SetArgs(args)
	root.SetOut(stderr)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "transcribe-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stderr, defaultRelayDeps()))
}
