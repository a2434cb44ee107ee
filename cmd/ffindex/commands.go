package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/ffindex"
	"github.com/zsiec/ffindex/index"
	"github.com/zsiec/ffindex/indexer"
	"github.com/zsiec/ffindex/internal/w64"
	"github.com/zsiec/ffindex/media"
	"github.com/zsiec/ffindex/source"
)

var (
	cfg config

	root = &cobra.Command{
		Use:           "ffindex",
		Short:         "Frame-accurate media indexing",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			var err error
			cfg, err = loadConfig(path, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			applyFlags(cmd.Flags(), &cfg)
			if err := cfg.validate(); err != nil {
				return err
			}
			debug, _ := cmd.Flags().GetBool("debug")
			setupLogging(debug)
			ffindex.Init()
			return nil
		},
	}

	indexCmd = &cobra.Command{
		Use:   "index FILE...",
		Short: "Index files and write their cache",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runIndex,
	}

	infoCmd = &cobra.Command{
		Use:   "info FILE",
		Short: "Show the tracks of a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo,
	}

	timecodesCmd = &cobra.Command{
		Use:   "timecodes FILE",
		Short: "Write v2 timecodes of a track",
		Args:  cobra.ExactArgs(1),
		RunE:  runTimecodes,
	}

	frameCmd = &cobra.Command{
		Use:   "frame FILE N",
		Short: "Decode video frame N to a raw file",
		Args:  cobra.ExactArgs(2),
		RunE:  runFrame,
	}

	audioCmd = &cobra.Command{
		Use:   "audio FILE",
		Short: "Decode a sample range to a Wave64 file",
		Args:  cobra.ExactArgs(1),
		RunE:  runAudio,
	}

	sourcesCmd = &cobra.Command{
		Use:   "sources",
		Short: "List the readers built into this binary",
		Args:  cobra.NoArgs,
		RunE:  runSources,
	}
)

func init() {
	root.AddCommand(indexCmd, infoCmd, timecodesCmd, frameCmd, audioCmd, sourcesCmd)

	pf := root.PersistentFlags()
	pf.String("config", "ffindex.yaml", "YAML config file")
	pf.Bool("debug", false, "debug logging")
	pf.String("cache-dir", "", "directory for index files (default: next to the source)")
	pf.String("source", "", "force a reader: mpegts, matroska or libav")
	pf.Bool("ignore-decode-errors", false, "count audio decode errors instead of failing")
	pf.Int("threads", 0, "decoder threads (0: backend default)")

	indexCmd.Flags().Bool("audio", false, "index every audio track")
	indexCmd.Flags().Bool("dump", false, "decode every audio track to Wave64 while indexing")
	indexCmd.Flags().Bool("force", false, "reindex even when the cache is current")
	indexCmd.Flags().Int("jobs", 0, "files indexed at once (default from config)")

	timecodesCmd.Flags().Int("track", -1, "track number (default: first video track)")
	timecodesCmd.Flags().StringP("output", "o", "-", "output file")

	frameCmd.Flags().StringP("output", "o", "frame.raw", "output file")
	frameCmd.Flags().String("format", "", "output pixel format (default: native)")
	frameCmd.Flags().Int("width", 0, "output width (0: native)")
	frameCmd.Flags().Int("height", 0, "output height (0: native)")
	frameCmd.Flags().String("resizer", "bicubic", "bicubic, fast-bilinear, bilinear, point or lanczos")
	frameCmd.Flags().String("seek-mode", "", "linear-norewind, linear, normal, keyframe or aggressive")
	frameCmd.Flags().Int64("fps-num", 0, "convert to constant frame rate num/den")
	frameCmd.Flags().Int64("fps-den", 1, "")
	frameCmd.Flags().Int("rff", 0, "repeat-field handling: 0 ignore, 1 honor, 2 force film")

	audioCmd.Flags().Int("track", -1, "track number (default: first audio track)")
	audioCmd.Flags().Int64("start", 0, "first sample")
	audioCmd.Flags().Int64("count", 0, "number of samples (0: to the end)")
	audioCmd.Flags().StringP("output", "o", "audio.w64", "output file")
}

func applyFlags(f *pflag.FlagSet, c *config) {
	if f.Changed("cache-dir") {
		c.CacheDir, _ = f.GetString("cache-dir")
	}
	if f.Changed("source") {
		c.Source, _ = f.GetString("source")
	}
	if f.Changed("ignore-decode-errors") {
		c.IgnoreDecodeErrors, _ = f.GetBool("ignore-decode-errors")
	}
	if f.Changed("threads") {
		c.Threads, _ = f.GetInt("threads")
	}
	if f.Lookup("jobs") != nil && f.Changed("jobs") {
		c.Jobs, _ = f.GetInt("jobs")
	}
	if f.Lookup("seek-mode") != nil && f.Changed("seek-mode") {
		c.SeekMode, _ = f.GetString("seek-mode")
	}
}

func (c config) request() ffindex.IndexRequest {
	return ffindex.IndexRequest{
		Logger:             slog.Default(),
		Source:             c.sourceKind(),
		IgnoreDecodeErrors: c.IgnoreDecodeErrors,
		Threads:            c.Threads,
		AudioName:          indexer.PatternNamer(c.AudioPattern),
	}
}

func runIndex(cmd *cobra.Command, args []string) error {
	audio, _ := cmd.Flags().GetBool("audio")
	dump, _ := cmd.Flags().GetBool("dump")
	force, _ := cmd.Flags().GetBool("force")

	req := cfg.request()
	if audio {
		req.IndexMask = indexer.AllTracks
	}
	if dump {
		req.DumpMask = indexer.AllTracks
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(cfg.Jobs)
	for _, path := range args {
		g.Go(func() error {
			return indexFile(ctx, path, req, force)
		})
	}
	return g.Wait()
}

func indexFile(ctx context.Context, path string, req ffindex.IndexRequest, force bool) error {
	log := slog.With("path", path)
	req.Progress = func(cur, total int64) bool {
		log.Debug("indexing", "read", humanize.Bytes(uint64(cur)), "size", humanize.Bytes(uint64(total)))
		return ctx.Err() == nil
	}

	cachePath := cfg.cachePath(path)
	var (
		idx    *index.Index
		result ffindex.CacheResult
		err    error
	)
	if force {
		idx, err = ffindex.MakeIndex(ctx, path, req)
		if err == nil {
			err = index.WriteFile(cachePath, idx)
		}
		result = ffindex.CacheOverwritten
	} else {
		idx, result, err = ffindex.LoadOrIndex(ctx, path, cachePath, -1, req)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	frames := 0
	if n, err := idx.FirstIndexedTrackOfType(media.TrackTypeVideo); err == nil {
		frames = idx.Tracks[n].FrameCount()
	}
	log.Info("indexed",
		"cache", cachePath,
		"result", result,
		"source", idx.Source,
		"tracks", idx.NumTracks(),
		"frames", humanize.Comma(int64(frames)),
		"size", humanize.Bytes(uint64(idx.Signature.Size)),
	)
	return nil
}

// load returns the index of path, creating the cache when needed. With
// audioTrack >= 0 that track is indexed too.
func load(ctx context.Context, path string, audioTrack int) (*index.Index, error) {
	idx, result, err := ffindex.LoadOrIndex(ctx, path, cfg.cachePath(path), audioTrack, cfg.request())
	if err != nil {
		return nil, err
	}
	slog.Debug("index ready", "path", path, "result", result)
	return idx, nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	idx, err := load(cmd.Context(), args[0], -1)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %s reader, %s, decoder %s\n",
		args[0], idx.Source, humanize.Bytes(uint64(idx.Signature.Size)), idx.Decoder)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRACK\tTYPE\tCODEC\tFRAMES\tKEYFRAMES\tDURATION\tDETAIL")
	for i, t := range idx.Tracks {
		detail := ""
		switch t.Type {
		case media.TrackTypeVideo:
			detail = fmt.Sprintf("%dx%d", t.Width, t.Height)
			if t.ReorderDepth > 0 {
				detail += fmt.Sprintf(" reorder=%d", t.ReorderDepth)
			}
		case media.TrackTypeAudio:
			detail = fmt.Sprintf("%d Hz %dch", t.SampleRate, t.Channels)
			if t.Indexed() {
				detail += " samples=" + humanize.Comma(t.TotalSamples())
			}
		}
		frames, keys, dur := "-", "-", "-"
		if t.Indexed() {
			frames = humanize.Comma(int64(t.FrameCount()))
			keys = humanize.Comma(int64(t.KeyframeCount()))
			dur = fmt.Sprintf("%.3fs", t.Seconds(t.LastPTS())-t.Seconds(t.FirstPTS()))
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", i, t.Type, t.Codec, frames, keys, dur, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if total := sum(idx.DecodeErrors); total > 0 {
		fmt.Fprintf(out, "%d decode errors were ignored while indexing\n", total)
	}
	return nil
}

func sum(v []int) int {
	n := 0
	for _, x := range v {
		n += x
	}
	return n
}

func runTimecodes(cmd *cobra.Command, args []string) error {
	n, _ := cmd.Flags().GetInt("track")
	output, _ := cmd.Flags().GetString("output")

	idx, err := load(cmd.Context(), args[0], -1)
	if err != nil {
		return err
	}
	if n < 0 {
		if n, err = idx.FirstIndexedTrackOfType(media.TrackTypeVideo); err != nil {
			return err
		}
	}
	t, err := idx.Track(n)
	if err != nil {
		return err
	}
	if output == "-" {
		return t.WriteTimecodes(cmd.OutOrStdout())
	}
	return t.WriteTimecodesFile(output)
}

func runFrame(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	f := cmd.Flags()
	var n int
	if _, err := fmt.Sscan(args[1], &n); err != nil {
		return fmt.Errorf("frame number %q: %w", args[1], err)
	}
	output, _ := f.GetString("output")
	format, _ := f.GetString("format")
	width, _ := f.GetInt("width")
	height, _ := f.GetInt("height")
	resizerName, _ := f.GetString("resizer")
	fpsNum, _ := f.GetInt64("fps-num")
	fpsDen, _ := f.GetInt64("fps-den")
	rff, _ := f.GetInt("rff")

	resizer, err := media.ParseResizer(resizerName)
	if err != nil {
		return err
	}
	idx, err := load(ctx, args[0], -1)
	if err != nil {
		return err
	}
	track, err := idx.FirstIndexedTrackOfType(media.TrackTypeVideo)
	if err != nil {
		return err
	}

	opts := []source.Option{
		source.WithLogger(slog.Default()),
		source.WithSeekMode(cfg.seekMode()),
		source.WithThreads(cfg.Threads),
	}
	if fpsNum > 0 {
		opts = append(opts, source.WithFPS(fpsNum, fpsDen))
	}
	if rff != 0 {
		opts = append(opts, source.WithRFFMode(source.RFFMode(rff)))
	}
	v, err := ffindex.OpenVideo(ctx, args[0], idx, track, opts...)
	if err != nil {
		return err
	}
	defer v.Close()

	if format != "" || width > 0 || height > 0 {
		candidates := media.DefaultOutputFormats
		if format != "" {
			candidates = []media.PixelFormat{media.ParsePixelFormat(format)}
		}
		if err := v.SetOutputFormat(candidates, width, height, resizer); err != nil {
			return err
		}
	}

	frame, err := v.GetFrame(ctx, n)
	if err != nil {
		return err
	}
	size, err := writeFrame(output, frame)
	if err != nil {
		return err
	}
	p := v.Properties()
	slog.Info("frame written",
		"frame", n,
		"of", p.FrameCount,
		"pts", frame.PTS,
		"keyframe", frame.Keyframe,
		"format", frame.PixelFormat,
		"size", fmt.Sprintf("%dx%d", frame.Width, frame.Height),
		"fps", p.FPS,
		"output", output,
		"bytes", humanize.Bytes(uint64(size)),
	)
	return nil
}

// writeFrame stores the visible rows of every plane back to back, or the
// compressed access unit when the frame has no planes.
func writeFrame(path string, f *media.Frame) (int64, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(out)
	var written int64
	if len(f.Planes) == 0 {
		n, err := w.Write(f.Data)
		written += int64(n)
		if err != nil {
			out.Close()
			return written, err
		}
	}
	for i, p := range f.Planes {
		rowBytes, rows := f.PixelFormat.PlaneSize(i, f.Width, f.Height)
		for y := 0; y < rows; y++ {
			n, err := w.Write(p.Data[y*p.Stride : y*p.Stride+rowBytes])
			written += int64(n)
			if err != nil {
				out.Close()
				return written, err
			}
		}
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return written, err
	}
	return written, out.Close()
}

// audioChunk is the number of samples decoded per GetAudio call.
const audioChunk = 1 << 16

func runAudio(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	f := cmd.Flags()
	n, _ := f.GetInt("track")
	start, _ := f.GetInt64("start")
	count, _ := f.GetInt64("count")
	output, _ := f.GetString("output")

	idx, err := load(ctx, args[0], n)
	if err != nil {
		return err
	}
	if n < 0 {
		if n, err = idx.FirstTrackOfType(media.TrackTypeAudio); err != nil {
			return err
		}
		if !idx.Tracks[n].Indexed() {
			if idx, err = load(ctx, args[0], n); err != nil {
				return err
			}
		}
	}
	a, err := ffindex.OpenAudio(ctx, args[0], idx, n, source.WithLogger(slog.Default()), source.WithThreads(cfg.Threads))
	if err != nil {
		return err
	}
	defer a.Close()

	p := a.Properties()
	if count == 0 {
		count = p.NumSamples - start
	}

	out, err := os.Create(output)
	if err != nil {
		return err
	}
	if err := writeAudio(ctx, out, a, start, count); err != nil {
		out.Close()
		os.Remove(output)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	slog.Info("audio written",
		"track", n,
		"start", start,
		"samples", humanize.Comma(count),
		"rate", p.SampleRate,
		"channels", p.Channels,
		"format", p.SampleFormat,
		"output", output,
	)
	return nil
}

func writeAudio(ctx context.Context, ws io.WriteSeeker, a *source.AudioSource, start, count int64) error {
	p := a.Properties()
	w, err := w64.NewWriter(ws, w64.Format{
		SampleRate:    p.SampleRate,
		Channels:      p.Channels,
		BitsPerSample: p.SampleFormat.BytesPerSample() * 8,
		Float:         p.SampleFormat.IsFloat(),
	})
	if err != nil {
		return err
	}
	buf := make([]byte, audioChunk*p.BytesPerFrame())
	for done := int64(0); done < count; {
		n := min(count-done, audioChunk)
		chunk := buf[:n*int64(p.BytesPerFrame())]
		if err := a.GetAudio(ctx, chunk, start+done, n); err != nil {
			return err
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		done += n
	}
	return w.Close()
}

func runSources(cmd *cobra.Command, _ []string) error {
	enabled := ffindex.EnabledSources()
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tENABLED")
	for _, k := range ffindex.PresentSources() {
		fmt.Fprintf(tw, "%s\t%t\n", k, slices.Contains(enabled, k))
	}
	return tw.Flush()
}
