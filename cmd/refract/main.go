// Command refract plays an HLS stream and writes the remuxed fMP4 output to
// disk: one growing file per track, plus decoded captions as a text sidecar.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/refract/internal/captions"
	"github.com/zsiec/refract/internal/engine"
	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/sink"
)

var version = "dev"

func main() {
	outDir := flag.String("out", envOr("REFRACT_OUT", "out"), "directory for remuxed output")
	duration := flag.Duration("duration", 0, "stop after this much wall time (0 runs to the end of the stream)")
	http3 := flag.Bool("h3", false, "fetch over HTTP/3")
	insecure := flag.Bool("insecure", false, "skip TLS certificate verification")
	timeout := flag.Duration("timeout", 20*time.Second, "per-request timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: refract [flags] URL\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	url := flag.Arg(0)

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		slog.Error("failed to create output directory", "error", err)
		os.Exit(1)
	}

	slog.Info("refract starting", "version", version, "url", url, "out", *outDir, "http3", *http3)

	e := engine.New(engine.Config{
		LoadTimeout: *timeout,
		HTTP3:       *http3,
		InsecureTLS: *insecure,
	}, slog.Default())

	if err := e.Open(ctx, url); err != nil {
		slog.Error("failed to open stream", "error", err)
		os.Exit(1)
	}

	for i, l := range e.Levels() {
		slog.Info("variant",
			"level", i,
			"bitrate", l.Bitrate,
			"resolution", fmt.Sprintf("%dx%d", l.Width, l.Height),
			"codecs", l.Codecs,
		)
	}
	for i, a := range e.AudioTracks() {
		slog.Info("audio track", "track", i, "name", a.Name, "lang", a.Language, "default", a.Default)
	}

	g, gctx := errgroup.WithContext(ctx)

	w := newDrainWriter(*outDir, e.Sink())
	g.Go(func() error {
		return w.run(gctx, e.Done())
	})

	g.Go(func() error {
		return writeCaptions(filepath.Join(*outDir, "captions.txt"), e.Captions())
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			e.Stop()
		case <-e.Done():
		}
		return e.Err()
	})

	if err := g.Wait(); err != nil {
		slog.Error("playback failed", "error", err)
		os.Exit(1)
	}
	slog.Info("done", "out", *outDir)
}

// drainWriter moves remuxed segments from the sink to disk and advances the
// playback cursor behind them, so buffering keeps pace with the drain the
// way it would with a real player.
type drainWriter struct {
	dir    string
	buf    *sink.Memory
	tracks map[media.TrackType]*trackFile
}

type trackFile struct {
	f        *os.File
	lastInit []byte
	end      float64
}

func newDrainWriter(dir string, buf *sink.Memory) *drainWriter {
	return &drainWriter{
		dir:    dir,
		buf:    buf,
		tracks: make(map[media.TrackType]*trackFile),
	}
}

func (w *drainWriter) run(ctx context.Context, done <-chan struct{}) error {
	defer w.close()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := w.drain(); err != nil {
			return err
		}
		select {
		case <-done:
			return w.drain()
		case <-ctx.Done():
			// The session is being stopped; sweep whatever it appended
			// on the way down.
			<-done
			return w.drain()
		case <-ticker.C:
		}
	}
}

func (w *drainWriter) drain() error {
	for _, t := range []media.TrackType{media.TrackVideo, media.TrackAudio} {
		if err := w.drainTrack(t); err != nil {
			return err
		}
	}

	// The cursor trails the slowest draining track.
	pos := -1.0
	for _, tf := range w.tracks {
		if pos < 0 || tf.end < pos {
			pos = tf.end
		}
	}
	if pos >= 0 {
		w.buf.SetPosition(pos)
	}
	return nil
}

func (w *drainWriter) drainTrack(t media.TrackType) error {
	init := w.buf.Init(t)
	segs := w.buf.Segments(t)
	if len(init) == 0 && len(segs) == 0 {
		return nil
	}

	tf := w.tracks[t]
	if tf == nil {
		f, err := os.Create(filepath.Join(w.dir, t.String()+".mp4"))
		if err != nil {
			return err
		}
		tf = &trackFile{f: f}
		w.tracks[t] = tf
	}

	// A changed init segment marks a new track configuration; CMAF readers
	// accept it mid-file.
	if len(init) > 0 && !bytes.Equal(init, tf.lastInit) {
		if _, err := tf.f.Write(init); err != nil {
			return err
		}
		tf.lastInit = append([]byte(nil), init...)
	}

	for _, seg := range segs {
		if _, err := tf.f.Write(seg.Data); err != nil {
			return err
		}
		if seg.End > tf.end {
			tf.end = seg.End
		}
	}
	if len(segs) > 0 {
		w.buf.Flush(t, 0, tf.end)
	}
	return nil
}

func (w *drainWriter) close() {
	for _, tf := range w.tracks {
		tf.f.Close()
	}
}

// writeCaptions appends decoded caption cues to path until the channel
// closes. The file is created lazily so caption-free streams leave nothing
// behind.
func writeCaptions(path string, cues <-chan captions.ChannelOutput) error {
	var f *os.File
	defer func() {
		if f != nil {
			f.Close()
		}
	}()
	for cue := range cues {
		if f == nil {
			var err error
			f, err = os.Create(path)
			if err != nil {
				return err
			}
		}
		label := fmt.Sprintf("cc%d", cue.Channel)
		if cue.Service > 0 {
			label = fmt.Sprintf("svc%d", cue.Service)
		}
		if _, err := fmt.Fprintf(f, "%.3f\t%s\t%s\n",
			media.ToSeconds(cue.PTS), label, cue.Text); err != nil {
			return err
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
