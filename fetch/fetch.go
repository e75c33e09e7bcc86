// Package fetch turns a source URL into a local media file by trying a
// fixed ladder of extractor client profiles. Non-credentialed profiles run
// first; the cookie-backed profile is the last resort and is skipped
// entirely when no cookie file is configured.
package fetch

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"retrovert/config"
	"retrovert/jobs"
	"retrovert/ytdlp"
)

// Strategy is one rung of the fetch ladder.
type Strategy struct {
	Name         string
	Credentialed bool
	clientArgs   []string
}

// strategies in priority order. Cheapest and least likely to be challenged
// first; the credentialed web client last because burning cookies on a URL
// the android client could have fetched risks the account.
var strategies = []Strategy{
	{Name: "android", clientArgs: []string{"--extractor-args", "youtube:player_client=android"}},
	{Name: "ios", clientArgs: []string{"--extractor-args", "youtube:player_client=ios"}},
	{Name: "tv", clientArgs: []string{"--extractor-args", "youtube:player_client=tv"}},
	{Name: "web-with-cookies", Credentialed: true, clientArgs: []string{"--extractor-args", "youtube:player_client=web"}},
}

// Strategies returns the ladder in priority order, for status display.
func Strategies() []Strategy {
	out := make([]Strategy, len(strategies))
	copy(out, strategies)
	return out
}

// networkRetries is the extra-attempt budget per strategy for transient
// network failures. Other failure classes fail over immediately.
const networkRetries = 2

// ExhaustedError means every eligible strategy was attempted and failed.
// Trace holds one entry per attempted strategy, in attempt order.
type ExhaustedError struct {
	Trace []jobs.Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Trace))
	for i, a := range e.Trace {
		parts[i] = fmt.Sprintf("%s: %s", a.Strategy, a.Outcome)
	}
	return "all fetch strategies exhausted: " + strings.Join(parts, ", ")
}

// Result is a successful fetch.
type Result struct {
	Path     string
	Strategy string
	Trace    []jobs.Attempt
}

// Meta is the remote metadata probed before admission, without downloading.
type Meta struct {
	Title           string
	DurationSeconds float64
	SizeBytes       int64 // declared or approximated; 0 when the extractor does not know
}

// Executor runs the strategy ladder. The run function defaults to invoking
// yt-dlp and is swapped out in tests.
type Executor struct {
	mu          sync.RWMutex
	cookiesFile string // empty disables credentialed strategies

	run func(ctx context.Context, args ...string) ([]byte, []byte, error)
}

func NewExecutor(cookiesFile string) *Executor {
	return &Executor{
		cookiesFile: cookiesFile,
		run:         ytdlp.Run,
	}
}

// SetCookiesFile swaps the cookie file backing the credentialed strategy.
// Uploads and deletions land on handler goroutines while workers are
// mid-fetch, so access goes through the lock.
func (e *Executor) SetCookiesFile(path string) {
	e.mu.Lock()
	e.cookiesFile = path
	e.mu.Unlock()
}

func (e *Executor) cookies() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cookiesFile
}

// Probe fetches title, duration and declared size for a URL with a
// simulate-only extractor call.
func (e *Executor) Probe(ctx context.Context, url string) (Meta, error) {
	stdout, stderr, err := e.run(ctx,
		"--simulate", "--no-playlist",
		"--print", "%(title)s",
		"--print", "%(duration)s",
		"--print", "%(filesize,filesize_approx|0)s",
		url)
	if err != nil {
		return Meta{}, fmt.Errorf("probe %s (%s): %w", url, Classify(string(stderr)), err)
	}
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	if len(lines) < 3 {
		return Meta{}, fmt.Errorf("probe %s: short output %q", url, stdout)
	}
	m := Meta{Title: strings.TrimSpace(lines[0])}
	m.DurationSeconds, _ = strconv.ParseFloat(strings.TrimSpace(lines[1]), 64)
	m.SizeBytes, _ = strconv.ParseInt(strings.TrimSpace(lines[2]), 10, 64)
	return m, nil
}

// Subtitles downloads an English subtitle track (manual or auto-generated)
// for the URL without fetching any media, converted to SRT. Returns the
// path of the track, or an error when the source has none.
func (e *Executor) Subtitles(ctx context.Context, url, outBase string) (string, error) {
	args := []string{
		"--skip-download", "--no-playlist",
		"--write-subs", "--write-auto-subs",
		"--sub-langs", "en.*",
		"--convert-subs", "srt",
		"-o", outBase,
	}
	if cookies := e.cookies(); cookies != "" {
		args = append(args, "--cookies", cookies)
	}
	args = append(args, url)
	if _, stderr, err := e.run(ctx, args...); err != nil {
		return "", fmt.Errorf("subtitle fetch (%s): %w", Classify(string(stderr)), err)
	}
	matches, err := filepath.Glob(outBase + "*.srt")
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("source has no subtitle track")
	}
	return matches[0], nil
}

// Fetch downloads the URL to outPath, walking the strategy ladder until one
// succeeds. audioOnly selects an audio-only source format when the target
// is MP3, so video bytes are never pulled just to be thrown away.
func (e *Executor) Fetch(ctx context.Context, url, outPath string, audioOnly bool) (Result, error) {
	formatSel := "best[height<=480]/best"
	if audioOnly {
		formatSel = "bestaudio/best"
	}

	// One cookie snapshot per fetch so an upload mid-ladder cannot split
	// the strategies across two different credentials.
	cookies := e.cookies()

	var trace []jobs.Attempt
	for _, strat := range strategies {
		if strat.Credentialed && cookies == "" {
			log.Debugln("skipping strategy", strat.Name, "(no cookie file)")
			continue
		}

		args := []string{"--no-playlist", "-f", formatSel, "-o", outPath}
		if max := config.GetMaxFilesize(); max > 0 {
			args = append(args, "--max-filesize", strconv.FormatInt(max, 10))
		}
		args = append(args, strat.clientArgs...)
		if strat.Credentialed {
			args = append(args, "--cookies", cookies)
		}
		args = append(args, url)

		attempt := e.tryStrategy(ctx, strat.Name, args)
		trace = append(trace, attempt)
		if attempt.Outcome == "ok" {
			return Result{Path: outPath, Strategy: strat.Name, Trace: trace}, nil
		}
		if ctx.Err() != nil {
			return Result{Trace: trace}, ctx.Err()
		}
		log.Warnln("strategy", strat.Name, "failed:", attempt.Outcome)
	}
	return Result{Trace: trace}, &ExhaustedError{Trace: trace}
}

// tryStrategy runs one strategy, retrying only network-class failures
// within the per-strategy budget. The returned attempt reflects the final
// outcome.
func (e *Executor) tryStrategy(ctx context.Context, name string, args []string) jobs.Attempt {
	var class FailureClass
	var reason string
	for try := 0; try <= networkRetries; try++ {
		_, stderr, err := e.run(ctx, args...)
		if err == nil {
			return jobs.Attempt{Strategy: name, Outcome: "ok"}
		}
		class = Classify(string(stderr))
		reason = firstLine(string(stderr))
		if class != ClassNetwork || ctx.Err() != nil {
			break
		}
	}
	return jobs.Attempt{Strategy: name, Outcome: string(class), Reason: reason}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
