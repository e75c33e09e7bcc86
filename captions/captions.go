// Package captions builds the dual-line ASS subtitle track that gets burned
// into 3GP output. Each cue renders its first text line at the bottom of the
// caption band and, when present, its second line at the top, so two lines
// stay legible on a 176x144 screen.
package captions

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Cue is one parsed SRT block.
type Cue struct {
	Index int
	Start time.Duration
	End   time.Duration
	Lines []string
}

// TimingError marks a cue whose timing line could not be parsed. The caller
// decides whether a broken track is worth burning; the parser never guesses.
type TimingError struct {
	Block int
	Line  string
}

func (e *TimingError) Error() string {
	return fmt.Sprintf("malformed timing in subtitle block %d: %q", e.Block, e.Line)
}

var srtTiming = regexp.MustCompile(`^(\d{1,2}):(\d{2}):(\d{2})[,.](\d{1,3})\s*-->\s*(\d{1,2}):(\d{2}):(\d{2})[,.](\d{1,3})`)

// ParseSRT reads an SRT document into cues. Blocks without any text are
// skipped; a block with text but unparseable timing is an error.
func ParseSRT(r io.Reader) ([]Cue, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var cues []Cue
	var block []string
	blockNum := 0

	flush := func() error {
		defer func() { block = nil }()
		if len(block) == 0 {
			return nil
		}
		blockNum++

		// index line is optional in the wild; find the timing line
		timingIdx := -1
		for i, l := range block {
			if strings.Contains(l, "-->") {
				timingIdx = i
				break
			}
		}
		if timingIdx < 0 || timingIdx+1 >= len(block) {
			return nil // no timing or no text, nothing to render
		}
		m := srtTiming.FindStringSubmatch(block[timingIdx])
		if m == nil {
			return &TimingError{Block: blockNum, Line: block[timingIdx]}
		}
		start := srtDuration(m[1], m[2], m[3], m[4])
		end := srtDuration(m[5], m[6], m[7], m[8])
		if end < start {
			return &TimingError{Block: blockNum, Line: block[timingIdx]}
		}

		var lines []string
		for _, l := range block[timingIdx+1:] {
			for _, part := range strings.Split(l, `\N`) {
				if part = strings.TrimSpace(part); part != "" {
					lines = append(lines, part)
				}
			}
		}
		if len(lines) == 0 {
			return nil
		}
		cues = append(cues, Cue{Index: len(cues) + 1, Start: start, End: end, Lines: lines})
		return nil
	}

	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\ufeff"))
		if line == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		block = append(block, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return cues, nil
}

func srtDuration(h, m, s, ms string) time.Duration {
	hi, _ := strconv.Atoi(h)
	mi, _ := strconv.Atoi(m)
	si, _ := strconv.Atoi(s)
	// SRT fractions may be 1-3 digits, always milliseconds left-padded
	for len(ms) < 3 {
		ms += "0"
	}
	mil, _ := strconv.Atoi(ms)
	return time.Duration(hi)*time.Hour + time.Duration(mi)*time.Minute +
		time.Duration(si)*time.Second + time.Duration(mil)*time.Millisecond
}

// Style carries the tunable parts of the ASS header. PlayRes must match the
// encode output resolution or libass rescales the band.
type Style struct {
	PlayResX int
	PlayResY int
	FontSize int
	Margin   int
}

// assTime renders a duration in ASS H:MM:SS.cc form.
func assTime(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	cs := int(d.Milliseconds()%1000) / 10
	return fmt.Sprintf("%d:%02d:%02d.%02d", h, m, s, cs)
}

const assEscaper = "\\{}"

func escapeASS(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(assEscaper, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// BuildDualLineASS renders cues as an ASS document with a bottom-anchored
// Line1 style and a top-anchored Line2 style. A cue's first text line goes
// to Line1; the second, when present, to Line2. Further lines are folded
// into Line2 so nothing is dropped.
func BuildDualLineASS(cues []Cue, style Style) string {
	var b strings.Builder
	fmt.Fprintf(&b, `[Script Info]
Title: Dual-Line Subtitles
ScriptType: v4.00+
WrapStyle: 0
PlayResX: %d
PlayResY: %d
Collisions: Normal

[V4+ Styles]
Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding
Style: Line1,Arial,%d,&H00FFFFFF,&H000000FF,&H00000000,&HC0000000,-1,0,0,0,100,100,0,0,1,3,2,2,%d,%d,%d,1
Style: Line2,Arial,%d,&H00FFFFFF,&H000000FF,&H00000000,&HC0000000,-1,0,0,0,100,100,0,0,1,3,2,8,%d,%d,%d,1

[Events]
Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text
`,
		style.PlayResX, style.PlayResY,
		style.FontSize, style.Margin, style.Margin, style.Margin,
		style.FontSize, style.Margin, style.Margin, style.Margin)

	for _, cue := range cues {
		start, end := assTime(cue.Start), assTime(cue.End)
		fmt.Fprintf(&b, "Dialogue: 0,%s,%s,Line1,,0,0,0,,%s\n", start, end, escapeASS(cue.Lines[0]))
		if len(cue.Lines) > 1 {
			rest := escapeASS(strings.Join(cue.Lines[1:], " "))
			fmt.Fprintf(&b, "Dialogue: 0,%s,%s,Line2,,0,0,0,,%s\n", start, end, rest)
		}
	}
	return b.String()
}
