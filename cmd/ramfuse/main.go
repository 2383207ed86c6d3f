package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/noahdesu/ramfuse/internal/bridge"
	"github.com/noahdesu/ramfuse/internal/config"
	"github.com/noahdesu/ramfuse/internal/models"
	"github.com/noahdesu/ramfuse/internal/service"
	"github.com/noahdesu/ramfuse/internal/storage"
	"github.com/noahdesu/ramfuse/pkg/clock"
	"github.com/noahdesu/ramfuse/pkg/logging"
	"github.com/noahdesu/ramfuse/pkg/logging/slogpretty"
)

func main() {
	var (
		configPath = flag.String("config", "", "optional yaml config file")
		size       = flag.Uint64("size", 0, "max file system size in bytes (default 512 MiB)")
		debug      = flag.Bool("debug", false, "turn on verbose logging")
	)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(1)
	}
	mountpoint := flag.Arg(0)

	cfg := config.MustLoad(*configPath)
	if *size != 0 {
		cfg.FS.Size = *size
	}
	if *debug {
		cfg.FS.Debug = true
	}
	if cfg.FS.Size == 0 {
		cfg.FS.Size = config.DefaultSize
	}

	logger := setupPrettySlog(cfg.FS.Debug)

	// Root context
	ctx := context.Background()
	ctx = logging.MakeContextWithLogger(ctx, logger)

	// Dependencies
	store := storage.NewHeapStore(cfg.FS.Size)
	svc := service.NewFileSystemService(store, clock.New(), models.Credentials{
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	})
	raw := bridge.New(svc, logger)

	server, err := fuse.NewServer(raw, mountpoint, &fuse.MountOptions{
		Name:   "ramfuse",
		FsName: "ramfuse",
		Debug:  cfg.FS.Debug,
	})
	if err != nil {
		logger.Error("Failed to mount", slog.String("mountpoint", mountpoint), slog.String("error", err.Error()))
		os.Exit(1)
	}

	go server.Serve()
	if err := server.WaitMount(); err != nil {
		logger.Error("Mount handshake failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Mounted",
		slog.String("mountpoint", mountpoint),
		slog.Uint64("size", cfg.FS.Size),
	)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Info("Unmounting", slog.String("mountpoint", mountpoint))
		if err := server.Unmount(); err != nil {
			logger.Error("Unmount failed", slog.String("error", err.Error()))
		}
	}()

	server.Wait()
	svc.Destroy(ctx)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [options] <mountpoint>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "file system options:\n"+
		"    -size N            max file system size (bytes)\n"+
		"    -debug             turn on verbose logging\n"+
		"    -config PATH       optional yaml config file\n")
}

func setupPrettySlog(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: level,
		},
	}

	handler := opts.NewPrettyHandler(os.Stdout)

	return slog.New(handler)
}
