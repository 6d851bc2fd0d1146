// Command docintel is a terminal client for a document-intelligence backend:
// streamed chat over the indexed documents plus an upload queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/0xcro3dile/docintel-client/internal/adapters/backend"
	"github.com/0xcro3dile/docintel-client/internal/adapters/filewatcher"
	"github.com/0xcro3dile/docintel-client/internal/adapters/loader"
	"github.com/0xcro3dile/docintel-client/internal/adapters/sse"
	"github.com/0xcro3dile/docintel-client/internal/adapters/storage"
	"github.com/0xcro3dile/docintel-client/internal/domain/ports"
	"github.com/0xcro3dile/docintel-client/internal/domain/usecases"
	"github.com/0xcro3dile/docintel-client/internal/infrastructure/config"
	"github.com/0xcro3dile/docintel-client/internal/infrastructure/logging"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "docintel:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.StringP("config", "c", "", "config file (default ./config.yaml or ~/.docintel/config.yaml)")
	watchDir := pflag.StringP("watch", "w", "", "queue files created in this directory")
	autoUpload := pflag.Bool("auto-upload", false, "upload watched files as soon as they appear")
	pflag.Parse()

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *watchDir != "" {
		cfg.Watch.Dir = *watchDir
	}
	if pflag.CommandLine.Changed("auto-upload") {
		cfg.Watch.AutoUpload = *autoUpload
	}

	log := logging.New(cfg.Log.Level, cfg.Log.Pretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := storage.Open(cfg.StorageOptions(), log)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer kv.Close()
	store := storage.NewAdapter(kv, log)

	settings := usecases.NewSettingsStore(cfg.Settings(), store, log)
	settings.Load(ctx)

	client := backend.NewClient(settings,
		backend.WithTimeout(cfg.Backend.Timeout),
		backend.WithLogger(log),
	)
	stream := sse.NewClient(client,
		sse.WithMaxAttempts(cfg.Stream.MaxAttempts),
		sse.WithBaseDelay(cfg.Stream.BaseDelay),
		sse.WithLogger(log),
	)

	convs := usecases.NewConversationManager(store, log)
	defer convs.Close()
	loaded := convs.LoadAsync(ctx)

	queue := usecases.NewIngestQueue(client, log)
	chat := usecases.NewChat(convs, stream, client, settings, log)
	defer chat.Stop()

	if cfg.Watch.Dir != "" {
		stopWatch, err := startWatch(ctx, queue, cfg.Watch.Dir, cfg.Watch.AutoUpload, log)
		if err != nil {
			return err
		}
		defer stopWatch()
	}

	a := newApp(os.Stdout, convs, chat, queue, settings, client, log)
	defer a.close()

	<-loaded
	return a.run(ctx, os.Stdin)
}

// startWatch feeds files created in dir into the queue. The returned func
// stops the watcher and waits for queued uploads to settle.
func startWatch(ctx context.Context, queue *usecases.IngestQueue, dir string, autoUpload bool, log zerolog.Logger) (func(), error) {
	watcher, err := filewatcher.NewFSNotifyWatcher(nil, log)
	if err != nil {
		return nil, err
	}
	open := func(path string) (ports.FileSource, error) {
		f, err := loader.FromPath(path)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	done, err := queue.Watch(ctx, watcher, dir, open, autoUpload)
	if err != nil {
		watcher.Stop()
		return nil, err
	}
	return func() {
		watcher.Stop()
		<-done
	}, nil
}
