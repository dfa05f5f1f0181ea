package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"

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
	Log   config.Log
	Input config.Input
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

func describe(ctx context.Context, input *mediakit.Input) error {
	d, err := input.Duration(ctx)
	if err != nil {
		return err
	}
	size, err := input.Cache.Size(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("format:   %s\n", input.Format.Name)
	fmt.Printf("size:     %s\n", humanize.IBytes(uint64(size)))
	fmt.Printf("duration: %s\n", d)
	tags := input.Tags()
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Printf("  %-12s %s\n", k+":", tags[k])
	}
	show := func(t pkg.InputTrack, note string) {
		info := t.Info()
		fmt.Printf("track %d: %s %s", info.ID, info.Type, info.Codec)
		if s := info.CodecString(); s != "" {
			fmt.Printf(" (%s)", s)
		}
		if info.CodecCtx != nil {
			fmt.Printf(" %s", info.CodecCtx.GetInfo())
		}
		var extra []string
		if info.Language != "" {
			extra = append(extra, "lang="+info.Language)
		}
		if info.Name != "" {
			extra = append(extra, "name="+info.Name)
		}
		if info.Rotation != 0 {
			extra = append(extra, fmt.Sprintf("rotation=%d", info.Rotation))
		}
		if info.Default {
			extra = append(extra, "default")
		}
		if note != "" {
			extra = append(extra, note)
		}
		if len(extra) > 0 {
			fmt.Printf(" [%s]", strings.Join(extra, " "))
		}
		fmt.Println()
	}
	for _, t := range input.Tracks() {
		show(t, "")
	}
	for _, t := range input.UnreadableTracks() {
		show(t, fmt.Sprintf("unreadable: %v", t.Info().CodecErr))
	}
	stats := input.Cache.Stats()
	fmt.Printf("read %s in %d requests\n", humanize.IBytes(uint64(stats.SourceBytes)), stats.SourceReads)
	return nil
}

func main() {
	conf := flag.String("c", "config.yaml", "config file")
	flag.Parse()
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
	ctx := context.Background()
	failed := false
	for _, url := range flag.Args() {
		fmt.Println(url)
		input, err := mediakit.OpenURL(ctx, url, cfg.Input, logger)
		if err == nil {
			err = describe(ctx, input)
			input.Close()
		}
		if err != nil {
			logger.Error("probe failed", "url", url, "error", err)
			failed = true
		}
		fmt.Println()
	}
	if failed {
		os.Exit(1)
	}
}
