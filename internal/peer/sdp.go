package peer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// Some stacks emit lower-case codec names in rtpmap lines, which others
// refuse to match against their own capabilities.
var codecNames = strings.NewReplacer(
	"vp9", "VP9",
	"vp8", "VP8",
	"h264", "H264",
)

// NormalizeCodecs upper-cases the VP8, VP9 and H264 codec names in a
// description. Output from pion is already upper-case and passes through
// unchanged.
func NormalizeCodecs(sdp string) string {
	return codecNames.Replace(sdp)
}

// Codecs lists the "<media>/<codec>" pairs offered in a description, in
// m-line order without duplicates.
func Codecs(raw string) ([]string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("failed to parse session description: %w", err)
	}

	var out []string
	seen := make(map[string]struct{})
	for _, media := range desc.MediaDescriptions {
		for _, format := range media.MediaName.Formats {
			pt, err := strconv.ParseUint(format, 10, 8)
			if err != nil {
				continue // application m-lines carry non-numeric formats
			}
			codec, err := desc.GetCodecForPayloadType(uint8(pt))
			if err != nil {
				continue
			}

			name := media.MediaName.Media + "/" + codec.Name
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out, nil
}
