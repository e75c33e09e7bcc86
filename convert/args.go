package convert

import (
	"fmt"
	"strings"

	"retrovert/presets"
)

// captionBandRows is the strip at the bottom of the output frame reserved
// for burned captions. The video is scaled into the rows above it so text
// never covers the picture.
const captionBandRows = 8

// VideoArgs builds the ffmpeg argument list for a 3GP encode from a preset.
// Rate-control values come from the preset's derived parameters; nothing
// here is stateful. The result is always checked for GOP consistency before
// it is returned.
func VideoArgs(p presets.VideoPreset, in, out string) ([]string, error) {
	args := []string{
		"-i", in,
		"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,setsar=1", p.Width, p.Height),
		"-vcodec", "mpeg4",
		"-r", fmt.Sprint(p.FrameRate),
		"-b:v", fmt.Sprintf("%dk", p.VideoBitrateKbps),
		"-maxrate", fmt.Sprintf("%dk", p.MaxBitrateKbps()),
		"-bufsize", fmt.Sprintf("%dk", p.BufferSizeKbps()),
		"-qmin", "2",
		"-qmax", "31",
		"-mbd", "rd",
		"-flags", "+cgop",
		"-sc_threshold", "1000000000",
		"-g", fmt.Sprint(p.GOPLength()),
		"-trellis", "2",
		"-cmp", "2",
		"-subcmp", "2",
		"-me_method", "hex",
		"-acodec", "aac",
		"-ar", fmt.Sprint(p.SampleRate),
		"-b:a", fmt.Sprintf("%dk", p.AudioBitrateKbps),
		"-ac", "1",
		"-y",
		out,
	}
	if err := checkGOPArgs(args); err != nil {
		return nil, err
	}
	return args, nil
}

// BurnArgs builds the subtitle-burn invocation: the video is scaled into
// the frame above the caption band, padded to full height, and the ASS
// track is rendered over the result. Same rate control as the primary
// encode so the burned output honors the preset.
func BurnArgs(p presets.VideoPreset, in, assPath, out string) ([]string, error) {
	videoRows := p.Height - captionBandRows
	vf := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:0,setsar=1,subtitles=%s",
		p.Width, videoRows, p.Width, p.Height, escapeFilterPath(assPath))

	args := []string{
		"-i", in,
		"-vf", vf,
		"-vcodec", "mpeg4",
		"-r", fmt.Sprint(p.FrameRate),
		"-b:v", fmt.Sprintf("%dk", p.VideoBitrateKbps),
		"-maxrate", fmt.Sprintf("%dk", p.MaxBitrateKbps()),
		"-bufsize", fmt.Sprintf("%dk", p.BufferSizeKbps()),
		"-flags", "+cgop",
		"-sc_threshold", "1000000000",
		"-g", fmt.Sprint(p.GOPLength()),
		"-acodec", "aac",
		"-ar", fmt.Sprint(p.SampleRate),
		"-b:a", fmt.Sprintf("%dk", p.AudioBitrateKbps),
		"-ac", "1",
		"-y",
		out,
	}
	if err := checkGOPArgs(args); err != nil {
		return nil, err
	}
	return args, nil
}

// AudioArgs builds the MP3 encode invocation from an audio preset.
func AudioArgs(p presets.AudioPreset, in, out string) []string {
	return []string{
		"-i", in,
		"-vn",
		"-acodec", "libmp3lame",
		"-ar", fmt.Sprint(p.SampleRate),
		"-b:a", fmt.Sprintf("%dk", p.BitrateKbps),
		"-ac", "2",
		"-q:a", fmt.Sprint(p.VBRQuality),
		"-compression_level", "9",
		"-joint_stereo", "1",
		"-y",
		out,
	}
}

// checkGOPArgs rejects an argument list that requests closed GOPs without
// also disabling scene-cut keyframes. mpeg4 silently inserts extra
// keyframes on scene changes otherwise, which breaks the fixed keyframe
// spacing that seeking on feature phones depends on. Catching it here turns
// a bad-output bug into a build-time failure.
func checkGOPArgs(args []string) error {
	closedGOP := false
	sceneCutDisabled := false
	for i, a := range args {
		switch a {
		case "-flags":
			if i+1 < len(args) && strings.Contains(args[i+1], "+cgop") {
				closedGOP = true
			}
		case "-sc_threshold":
			if i+1 < len(args) && args[i+1] == "1000000000" {
				sceneCutDisabled = true
			}
		}
	}
	if closedGOP && !sceneCutDisabled {
		return fmt.Errorf("closed GOP requested without disabling scene-cut keyframes")
	}
	return nil
}

// escapeFilterPath quotes a path for use inside an ffmpeg filter graph,
// where ':' separates options and '\' escapes.
func escapeFilterPath(p string) string {
	p = strings.ReplaceAll(p, `\`, `/`)
	p = strings.ReplaceAll(p, `:`, `\:`)
	p = strings.ReplaceAll(p, `'`, `\'`)
	return p
}
