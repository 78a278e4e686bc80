package parser

import (
	"strings"

	"github.com/grafov/m3u8"
)

const (
	PlaylistMaster  = "master"
	PlaylistMedia   = "media"
	PlaylistUnknown = "unknown"
)

// PlaylistInfo summarises a playlist for logs and metrics. It never influences the
// rewritten output.
type PlaylistInfo struct {
	Type     string // master, media or unknown
	Variants int    // variant streams in a master playlist
	Segments int    // segments in a media playlist
	Ended    bool   // media playlist carries EXT-X-ENDLIST (VOD)
}

// Inspect decodes text with grafov/m3u8 in non-strict mode. Playlists the decoder
// rejects are classified by tag presence instead.
func Inspect(text string) PlaylistInfo {
	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(text), false)
	if err != nil || playlist == nil {
		return inspectByTags(text)
	}

	switch listType {
	case m3u8.MASTER:
		master, ok := playlist.(*m3u8.MasterPlaylist)
		if !ok {
			return inspectByTags(text)
		}
		info := PlaylistInfo{Type: PlaylistMaster}
		for _, v := range master.Variants {
			if v != nil {
				info.Variants++
			}
		}
		return info

	case m3u8.MEDIA:
		media, ok := playlist.(*m3u8.MediaPlaylist)
		if !ok {
			return inspectByTags(text)
		}
		return PlaylistInfo{
			Type:     PlaylistMedia,
			Segments: int(media.Count()),
			Ended:    media.Closed,
		}
	}

	return inspectByTags(text)
}

func inspectByTags(text string) PlaylistInfo {
	switch {
	case IsMasterPlaylist(text):
		return PlaylistInfo{Type: PlaylistMaster, Variants: strings.Count(text, "#EXT-X-STREAM-INF")}
	case IsMediaPlaylist(text):
		return PlaylistInfo{
			Type:     PlaylistMedia,
			Segments: strings.Count(text, "#EXTINF"),
			Ended:    strings.Contains(text, "#EXT-X-ENDLIST"),
		}
	default:
		return PlaylistInfo{Type: PlaylistUnknown}
	}
}

// IsMasterPlaylist reports whether content lists variant streams (#EXT-X-STREAM-INF).
func IsMasterPlaylist(content string) bool {
	return strings.Contains(content, "#EXT-X-STREAM-INF")
}

// IsMediaPlaylist reports whether content lists segments (#EXTINF or #EXT-X-TARGETDURATION).
func IsMediaPlaylist(content string) bool {
	return strings.Contains(content, "#EXTINF") || strings.Contains(content, "#EXT-X-TARGETDURATION")
}
