package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"

	"m7s.live/mediakit"
	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/config"
	_ "m7s.live/mediakit/plugin/mkv"
	_ "m7s.live/mediakit/plugin/mp3"
	_ "m7s.live/mediakit/plugin/mp4"
	_ "m7s.live/mediakit/plugin/ogg"
	_ "m7s.live/mediakit/plugin/wav"
)

type Config struct {
	Log    config.Log
	Input  config.Input
	Output config.Output
}

func loadConfig(path string) (conf Config, err error) {
	user, err := config.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	if err != nil {
		return
	}
	err = config.Parse(&conf, user)
	return
}

func remux(ctx context.Context, cfg Config, logger *slog.Logger, from, to, format string, opts mediakit.ConvertOptions) (err error) {
	input, err := mediakit.OpenURL(ctx, from, cfg.Input, logger)
	if err != nil {
		return
	}
	defer input.Close()
	meta := mediakit.FormatForPath(to)
	if format != "" {
		meta = mediakit.FindFormat(format)
	}
	if meta == nil {
		return fmt.Errorf("%w: %s", pkg.ErrUnknownFormat, to)
	}
	var target pkg.Target
	if to == "-" {
		cfg.Output.Streamable = true
		target = pkg.NewStreamTarget(os.Stdout)
	} else {
		var file *pkg.FileTarget
		if file, err = pkg.CreateFileTarget(to); err != nil {
			return
		}
		defer file.Close()
		target = file
	}
	output, err := mediakit.NewOutput(meta, target, cfg.Output, logger)
	if err != nil {
		return
	}
	start := time.Now()
	if err = mediakit.Convert(ctx, input, output, opts); err != nil {
		return
	}
	stats := input.Cache.Stats()
	logger.Info("done", "to", to, "format", meta.Name, "took", time.Since(start),
		"read", humanize.IBytes(uint64(stats.SourceBytes)), "requests", stats.SourceReads)
	return
}

func main() {
	conf := flag.String("c", "config.yaml", "config file")
	format := flag.String("f", "", "output format, default from the output extension")
	ss := flag.Duration("ss", 0, "start time")
	to := flag.Duration("to", 0, "end time, 0 for the whole input")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] input output|-\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}
	cfg, err := loadConfig(*conf)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	handler, err := pkg.NewLogHandler(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := slog.New(handler)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err = remux(ctx, cfg, logger, flag.Arg(0), flag.Arg(1), *format, mediakit.ConvertOptions{Start: *ss, End: *to})
	if err != nil {
		logger.Error("remux failed", "error", err)
		os.Exit(1)
	}
}
