// Command serve-hls synthesizes an HLS origin and serves it over HTTP, or
// over HTTPS and HTTP/3 with a self-signed certificate. Media is generated
// on the fly: baseline H.264 at 25 fps with AAC-LC muxed into MPEG-TS
// segments, an optional alternate ADTS audio rendition, and an optional
// CEA-608 caption banner. Useful for driving cmd/refract without a real
// origin.
//
// Usage:
//
//	go run ./test/tools/serve-hls -live -captions
//	go run ./cmd/refract http://127.0.0.1:8080/master.m3u8
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/refract/internal/certs"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "listen address")
	segdur := flag.Float64("segdur", 2.0, "segment duration in seconds")
	segments := flag.Int("segments", 10, "total segments (VOD mode)")
	live := flag.Bool("live", false, "serve a sliding live window instead of a VOD")
	window := flag.Int("window", 5, "live window size in segments")
	altAudio := flag.Bool("alt-audio", false, "publish an alternate ADTS audio rendition")
	withCaptions := flag.Bool("captions", false, "inject a CEA-608 caption banner")
	h3 := flag.Bool("h3", false, "serve HTTPS and HTTP/3 with a self-signed certificate")
	flag.Parse()

	segFrames := int(math.Round(*segdur * fps))
	if segFrames < 1 {
		fatal("segment duration %.3fs is below one frame", *segdur)
	}
	if *segments < 1 || *window < 1 {
		fatal("segment and window counts must be positive")
	}

	o := &origin{
		s:        newSynth(segFrames, *withCaptions),
		live:     *live,
		segments: *segments,
		window:   *window,
		altAudio: *altAudio,
		started:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /master.m3u8", o.handleMaster)
	mux.HandleFunc("GET /media.m3u8", o.handleMedia)
	mux.HandleFunc("GET /audio.m3u8", o.handleAudioPlaylist)
	mux.HandleFunc("GET /seg/{sn}", o.handleVideoSegment)
	mux.HandleFunc("GET /aud/{sn}", o.handleAudioSegment)

	mode := fmt.Sprintf("vod, %d segments", *segments)
	if *live {
		mode = fmt.Sprintf("live, window %d", *window)
	}
	extras := ""
	if *altAudio {
		extras += ", alt-audio"
	}
	if *withCaptions {
		extras += ", captions"
	}
	fmt.Printf("synthesizing %s (%.3fs segments%s)\n", mode, float64(segFrames)/fps, extras)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if *h3 {
		info, err := certs.Generate(0)
		if err != nil {
			fatal("generate certificate: %v", err)
		}
		tcp := &http.Server{Addr: *addr, Handler: mux, TLSConfig: info.ServerTLS("http/1.1")}
		g.Go(func() error {
			stop := context.AfterFunc(gctx, func() { tcp.Close() })
			defer stop()
			err := tcp.ListenAndServeTLS("", "")
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
		h3srv := &http3.Server{Addr: *addr, Handler: mux, TLSConfig: info.ServerTLS("h3")}
		g.Go(func() error {
			stop := context.AfterFunc(gctx, func() { h3srv.Close() })
			defer stop()
			err := h3srv.ListenAndServe()
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
		fmt.Printf("serving https://%s/master.m3u8 (h3, self-signed; pass -insecure to refract)\n", *addr)
	} else {
		srv := &http.Server{Addr: *addr, Handler: mux}
		g.Go(func() error {
			stop := context.AfterFunc(gctx, func() { srv.Close() })
			defer stop()
			err := srv.ListenAndServe()
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
		fmt.Printf("serving http://%s/master.m3u8\n", *addr)
	}
	if err := g.Wait(); err != nil {
		fatal("%v", err)
	}
}

// origin serves synthesized playlists and segments. In live mode the window
// slides with wall time; in VOD mode the playlist is fixed and ends.
type origin struct {
	s        *synth
	live     bool
	segments int
	window   int
	altAudio bool
	started  time.Time
}

// windowBounds returns the first served sequence number and the count.
func (o *origin) windowBounds() (first, count int) {
	if !o.live {
		return 0, o.segments
	}
	cur := int(time.Since(o.started).Seconds() / o.s.videoDur())
	first = cur - o.window + 1
	if first < 0 {
		first = 0
	}
	return first, cur - first + 1
}

func (o *origin) handleMaster(w http.ResponseWriter, _ *http.Request) {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	if o.altAudio {
		b.WriteString(`#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="English",LANGUAGE="en",DEFAULT=YES,URI="audio.m3u8"` + "\n")
	}
	b.WriteString(`#EXT-X-STREAM-INF:BANDWIDTH=1400000,RESOLUTION=320x240,CODECS="avc1.42c01e,mp4a.40.2"`)
	if o.altAudio {
		b.WriteString(`,AUDIO="aud"`)
	}
	b.WriteString("\nmedia.m3u8\n")
	writePlaylist(w, b.String())
}

func (o *origin) handleMedia(w http.ResponseWriter, _ *http.Request) {
	first, count := o.windowBounds()
	if o.live {
		o.s.Prune(first)
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(o.s.videoDur())))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", first)
	for i := 0; i < count; i++ {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\nseg/%d\n", o.s.videoDur(), first+i)
	}
	if !o.live {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	writePlaylist(w, b.String())
}

func (o *origin) handleAudioPlaylist(w http.ResponseWriter, r *http.Request) {
	if !o.altAudio {
		http.NotFound(w, r)
		return
	}
	first, count := o.windowBounds()

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(o.s.videoDur())))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", first)
	for i := 0; i < count; i++ {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\naud/%d\n", o.s.audioDur(first+i), first+i)
	}
	if !o.live {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	writePlaylist(w, b.String())
}

func (o *origin) handleVideoSegment(w http.ResponseWriter, r *http.Request) {
	sn, ok := o.sequence(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	data := o.s.VideoSegment(sn)
	if data == nil {
		// Pruned between the window check and the lookup.
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "video/mp2t")
	w.Write(data)
}

func (o *origin) handleAudioSegment(w http.ResponseWriter, r *http.Request) {
	sn, ok := o.sequence(r)
	if !ok || !o.altAudio {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "audio/aac")
	w.Write(o.s.AudioSegment(sn))
}

// sequence parses and bounds-checks the {sn} path value.
func (o *origin) sequence(r *http.Request) (int, bool) {
	sn, err := strconv.Atoi(r.PathValue("sn"))
	if err != nil || sn < 0 {
		return 0, false
	}
	if o.live {
		// Expired segments are pruned from the generator, so they 404
		// the way a real origin ages them out.
		first, count := o.windowBounds()
		if sn < first || sn >= first+count {
			return 0, false
		}
	} else if sn >= o.segments {
		return 0, false
	}
	return sn, true
}

func writePlaylist(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Write([]byte(body))
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
