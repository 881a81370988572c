package playlist

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/grafov/m3u8"
)

// ErrUnknownPlaylist reports input that decoded as neither a master nor a
// media playlist.
var ErrUnknownPlaylist = errors.New("playlist: unknown playlist type")

// ParseManifest decodes the top-level playlist. A master playlist yields one
// Level per variant plus alternate renditions; a bare media playlist yields
// a single level with its details already attached.
func ParseManifest(r io.Reader, baseURL string) (*Manifest, error) {
	pl, listType, err := m3u8.DecodeFrom(r, true)
	if err != nil {
		return nil, fmt.Errorf("playlist: decode: %w", err)
	}
	switch listType {
	case m3u8.MASTER:
		return manifestFromMaster(pl.(*m3u8.MasterPlaylist), baseURL)
	case m3u8.MEDIA:
		details, err := detailsFromMedia(pl.(*m3u8.MediaPlaylist), baseURL, 0)
		if err != nil {
			return nil, err
		}
		return &Manifest{Levels: []*Level{{
			URLs:    []string{baseURL},
			Details: details,
		}}}, nil
	default:
		return nil, ErrUnknownPlaylist
	}
}

// ParseMedia decodes one media playlist into LevelDetails. level tags the
// produced fragments with their rendition index.
func ParseMedia(r io.Reader, baseURL string, level int) (*LevelDetails, error) {
	pl, listType, err := m3u8.DecodeFrom(r, true)
	if err != nil {
		return nil, fmt.Errorf("playlist: decode: %w", err)
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("playlist: %s: expected a media playlist", baseURL)
	}
	return detailsFromMedia(pl.(*m3u8.MediaPlaylist), baseURL, level)
}

func manifestFromMaster(mp *m3u8.MasterPlaylist, baseURL string) (*Manifest, error) {
	man := &Manifest{}
	seenAlt := map[string]bool{}
	for _, v := range mp.Variants {
		if v == nil || v.Iframe {
			continue
		}
		u, err := resolveURL(baseURL, v.URI)
		if err != nil {
			return nil, err
		}
		w, h := parseResolution(v.Resolution)
		man.Levels = append(man.Levels, &Level{
			Bitrate:       int(v.Bandwidth),
			Codecs:        v.Codecs,
			Width:         w,
			Height:        h,
			FrameRate:     v.FrameRate,
			Name:          v.Name,
			AudioGroup:    v.Audio,
			SubtitleGroup: v.Subtitles,
			URLs:          []string{u},
		})

		for _, alt := range v.Alternatives {
			if alt == nil || alt.URI == "" {
				continue
			}
			id := alt.Type + "/" + alt.GroupId + "/" + alt.Name
			if seenAlt[id] {
				continue
			}
			seenAlt[id] = true
			au, err := resolveURL(baseURL, alt.URI)
			if err != nil {
				return nil, err
			}
			track := &AlternateTrack{
				Type:     alt.Type,
				GroupID:  alt.GroupId,
				Name:     alt.Name,
				Language: alt.Language,
				Default:  alt.Default,
				URL:      au,
			}
			switch alt.Type {
			case "AUDIO":
				man.Audio = append(man.Audio, track)
			case "SUBTITLES":
				man.Subtitles = append(man.Subtitles, track)
			}
		}
	}
	if len(man.Levels) == 0 {
		return nil, errors.New("playlist: master playlist has no variants")
	}
	return man, nil
}

func detailsFromMedia(mp *m3u8.MediaPlaylist, baseURL string, level int) (*LevelDetails, error) {
	d := &LevelDetails{
		StartSN:         int64(mp.SeqNo),
		StartCC:         int(mp.DiscontinuitySeq),
		TargetDuration:  mp.TargetDuration,
		Live:            !mp.Closed,
		StartTimeOffset: mp.StartTime,
	}

	currentMap, err := initMapFrom(mp.Map, baseURL)
	if err != nil {
		return nil, err
	}
	d.Map = currentMap

	// Keys attach to the segment following their tag and apply until
	// changed; METHOD=NONE clears.
	var currentKey *Key
	cc := d.StartCC
	start := 0.0
	var prevRangeEnd int64
	var prevRangeURI string
	for i, seg := range mp.Segments {
		if seg == nil {
			break
		}
		if seg.Discontinuity {
			cc++
		}
		if seg.Key != nil {
			if currentKey, err = keyFrom(seg.Key, baseURL); err != nil {
				return nil, err
			}
		}
		if seg.Map != nil {
			if currentMap, err = initMapFrom(seg.Map, baseURL); err != nil {
				return nil, err
			}
		}
		u, err := resolveURL(baseURL, seg.URI)
		if err != nil {
			return nil, err
		}
		f := &Fragment{
			SN:              d.StartSN + int64(i),
			CC:              cc,
			Level:           level,
			URL:             u,
			Duration:        seg.Duration,
			Start:           start,
			Title:           seg.Title,
			Key:             currentKey,
			InitMap:         currentMap,
			ProgramDateTime: seg.ProgramDateTime,
		}
		if seg.Limit > 0 {
			// A range without an explicit offset continues the previous
			// range of the same resource.
			offset := seg.Offset
			if offset == 0 && prevRangeURI == seg.URI && prevRangeEnd > 0 {
				offset = prevRangeEnd
			}
			f.ByteRange = &ByteRange{Length: seg.Limit, Offset: offset}
			prevRangeEnd = offset + seg.Limit
			prevRangeURI = seg.URI
		} else {
			prevRangeEnd = 0
			prevRangeURI = ""
		}
		d.Fragments = append(d.Fragments, f)
		start += seg.Duration
	}
	if len(d.Fragments) == 0 {
		return nil, fmt.Errorf("playlist: %s: no fragments", baseURL)
	}
	d.EndSN = d.StartSN + int64(len(d.Fragments)) - 1
	d.EndCC = cc
	return d, nil
}

func keyFrom(k *m3u8.Key, baseURL string) (*Key, error) {
	if k == nil || k.Method == "" || k.Method == "NONE" {
		return nil, nil
	}
	u, err := resolveURL(baseURL, k.URI)
	if err != nil {
		return nil, err
	}
	key := &Key{Method: k.Method, URL: u, Format: k.Keyformat}
	if key.Format == "" {
		key.Format = "identity"
	}
	if k.IV != "" {
		iv, err := parseIV(k.IV)
		if err != nil {
			return nil, err
		}
		key.IV = iv
	}
	return key, nil
}

func initMapFrom(m *m3u8.Map, baseURL string) (*InitMap, error) {
	if m == nil || m.URI == "" {
		return nil, nil
	}
	u, err := resolveURL(baseURL, m.URI)
	if err != nil {
		return nil, err
	}
	im := &InitMap{URL: u}
	if m.Limit > 0 {
		im.ByteRange = &ByteRange{Length: m.Limit, Offset: m.Offset}
	}
	return im, nil
}

func parseIV(s string) ([]byte, error) {
	hexIV := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	iv, err := hex.DecodeString(hexIV)
	if err != nil {
		return nil, fmt.Errorf("playlist: key IV %q: %w", s, err)
	}
	if len(iv) != 16 {
		return nil, fmt.Errorf("playlist: key IV %q: need 16 bytes, got %d", s, len(iv))
	}
	return iv, nil
}

func parseResolution(res string) (int, int) {
	w, h, ok := strings.Cut(res, "x")
	if !ok {
		return 0, 0
	}
	width, err1 := strconv.Atoi(strings.TrimSpace(w))
	height, err2 := strconv.Atoi(strings.TrimSpace(h))
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return width, height
}

func resolveURL(baseURL, ref string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("playlist: base URL %q: %w", baseURL, err)
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("playlist: URL %q: %w", ref, err)
	}
	return base.ResolveReference(rel).String(), nil
}
