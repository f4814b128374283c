package codec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"peercall/native/internal/domain"
)

// Negotiated is the outcome of matching the local capability set against a
// remote description.
type Negotiated struct {
	Audio    AudioKind
	Video    VideoKind
	HasVideo bool
}

type rtpmap struct {
	name      string
	clockRate uint32
}

// NegotiateFromSDP picks the first locally preferred audio and video kinds the
// remote description offers. No common audio codec is ErrUnsupportedCodec; no
// common video codec makes an audio-only call.
func NegotiateFromSDP(local CapabilitySet, remote string) (Negotiated, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(remote)); err != nil {
		return Negotiated{}, fmt.Errorf("parse remote description: %w", err)
	}

	remoteAudio := map[rtpmap]bool{}
	remoteVideo := map[rtpmap]bool{}
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Port.Value == 0 {
			continue
		}
		var into map[rtpmap]bool
		switch md.MediaName.Media {
		case "audio":
			into = remoteAudio
		case "video":
			into = remoteVideo
		default:
			continue
		}
		for _, m := range mediaFormats(md) {
			into[m] = true
		}
	}

	var out Negotiated
	for _, k := range local.Audio {
		if remoteAudio[rtpmapFor(k.MimeType(), k.ClockRate())] {
			out.Audio = k
			break
		}
	}
	if out.Audio == 0 {
		return Negotiated{}, fmt.Errorf("%w: no common audio codec", domain.ErrUnsupportedCodec)
	}
	for _, k := range local.Video {
		if remoteVideo[rtpmapFor(k.MimeType(), k.ClockRate())] {
			out.Video = k
			out.HasVideo = true
			break
		}
	}
	return out, nil
}

// mediaFormats lists the codecs of one media section. Static payload types 0
// and 8 may appear without an rtpmap line.
func mediaFormats(md *sdp.MediaDescription) []rtpmap {
	mapped := map[string]rtpmap{}
	for _, a := range md.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		pt, m, ok := parseRTPMap(a.Value)
		if ok {
			mapped[pt] = m
		}
	}

	var out []rtpmap
	for _, f := range md.MediaName.Formats {
		if m, ok := mapped[f]; ok {
			out = append(out, m)
			continue
		}
		switch f {
		case strconv.Itoa(PayloadTypePCMU):
			out = append(out, rtpmapFor(MimeTypePCMU, 8000))
		case strconv.Itoa(PayloadTypePCMA):
			out = append(out, rtpmapFor(MimeTypePCMA, 8000))
		}
	}
	return out
}

// parseRTPMap parses "111 opus/48000/2".
func parseRTPMap(value string) (string, rtpmap, bool) {
	pt, rest, ok := strings.Cut(value, " ")
	if !ok {
		return "", rtpmap{}, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) < 2 {
		return "", rtpmap{}, false
	}
	rate, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return "", rtpmap{}, false
	}
	return pt, rtpmap{name: strings.ToLower(parts[0]), clockRate: uint32(rate)}, true
}

func rtpmapFor(mime string, clockRate uint32) rtpmap {
	_, name, _ := strings.Cut(mime, "/")
	return rtpmap{name: strings.ToLower(name), clockRate: clockRate}
}
