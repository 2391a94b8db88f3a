// Command chunkupload uploads files in resumable chunks.
//
//	chunkupload [flags] <file|glob|url>...
//	chunkupload status <session-id>
//
// The backend and the engine are configured with CHUNKUPLOAD_* environment variables,
// flags override them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-chunkupload/analytics"
	"github.com/bitrise-io/go-chunkupload/chunkupload"
	"github.com/bitrise-io/go-chunkupload/chunkupload/network"
	"github.com/bitrise-io/go-chunkupload/chunkupload/s3store"
	"github.com/bitrise-io/go-chunkupload/uploadconf"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/filedownloader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	logger := log.NewLogger()
	envRepository := env.NewRepository()

	config, err := uploadconf.Load(envRepository)
	if err != nil {
		logger.Errorf("%s", err)
		return 1
	}

	flags := flag.NewFlagSet("chunkupload", flag.ContinueOnError)
	flags.StringVar(&config.Destination, "destination", config.Destination, "Destination prefix of the uploaded files")
	flags.StringVar(&config.ChunkSize, "chunk-size", config.ChunkSize, "Chunk size, like 5MiB")
	flags.IntVar(&config.Concurrency, "concurrency", config.Concurrency, "Parallel chunk uploads per file")
	flags.UintVar(&config.SessionRetries, "session-retries", config.SessionRetries, "Retries of a failed upload session")
	flags.BoolVar(&config.Verbose, "v", config.Verbose, "Enable debug logs")
	flags.Usage = func() {
		fmt.Fprintf(flags.Output(), "Usage:\n  chunkupload [flags] <file|glob|url>...\n  chunkupload status <session-id>\n\nFlags:\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return 2
	}
	logger.EnableDebugLog(config.Verbose)
	if config.Verbose {
		uploadconf.Print(config)
	}

	engineConfig, err := config.EngineConfig()
	if err != nil {
		logger.Errorf("Invalid configuration: %s", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := newSessionClient(ctx, config, logger)
	if err != nil {
		logger.Errorf("Failed to create %s session client: %s", config.Backend, err)
		return 1
	}
	coordinator, err := chunkupload.NewCoordinator(client, engineConfig, logger)
	if err != nil {
		logger.Errorf("%s", err)
		return 1
	}

	if flags.NArg() == 0 {
		flags.Usage()
		return 2
	}
	if flags.Arg(0) == "status" {
		if flags.NArg() != 2 {
			flags.Usage()
			return 2
		}
		return status(ctx, coordinator, flags.Arg(1), logger)
	}

	provider := uploadconf.NewFileProvider(filedownloader.NewDownloader(logger), pathutil.NewPathProvider(), pathutil.NewPathModifier())
	paths, err := newPathEvaluator(provider, pathutil.NewPathModifier(), pathutil.NewPathChecker(), logger).evaluate(ctx, flags.Args())
	if err != nil {
		logger.Errorf("%s", err)
		return 1
	}
	if len(paths) == 0 {
		logger.Errorf("No files to upload")
		return 1
	}

	var tracker *analytics.Tracker
	if config.Analytics {
		tracker = analytics.NewDefaultTracker(envRepository, logger)
		defer tracker.Wait()
	}

	u := uploader{
		manager:        chunkupload.NewManager(coordinator),
		destination:    config.Destination,
		sessionRetries: config.SessionRetries,
		retryWait:      config.SessionWait,
		tracker:        tracker,
		logger:         logger,
	}
	if failed := u.uploadAll(ctx, paths); failed > 0 {
		logger.Errorf("%d of %d uploads failed", failed, len(paths))
		return 1
	}
	return 0
}

func newSessionClient(ctx context.Context, config uploadconf.Config, logger log.Logger) (chunkupload.SessionClient, error) {
	switch config.Backend {
	case uploadconf.BackendS3:
		return s3store.NewFromParams(ctx, s3store.Params{
			Bucket:          config.Bucket,
			Region:          config.Region,
			AccessKeyID:     config.AccessKeyID,
			SecretAccessKey: string(config.SecretAccessKey),
		}, logger)
	default:
		return network.NewClient(network.Params{
			BaseURL: config.APIURL,
			Token:   string(config.APIToken),
		}, logger)
	}
}

func status(ctx context.Context, coordinator *chunkupload.Coordinator, sessionID string, logger log.Logger) int {
	progress, err := coordinator.Progress(ctx, sessionID)
	if err != nil {
		logger.Errorf("%s", err)
		return 1
	}

	percent := 100
	if progress.TotalChunks > 0 {
		percent = 100 * progress.UploadedChunks / progress.TotalChunks
	}
	logger.Printf("Session %s: %d of %d chunks uploaded (%d%%)", sessionID, progress.UploadedChunks, progress.TotalChunks, percent)
	return 0
}
