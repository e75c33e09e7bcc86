package fetch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func init() {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	Init(l)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		stderr string
		want   FailureClass
	}{
		{"ERROR: Requested format is not available", ClassFormatUnavailable},
		{"ERROR: [youtube] abc: Sign in to confirm you're not a bot", ClassAccessDenied},
		{"ERROR: [youtube] abc: Private video. Sign in if you've been granted access", ClassAccessDenied},
		{"ERROR: unable to download video data: HTTP Error 403: Forbidden", ClassAccessDenied},
		{"ERROR: unable to download webpage: HTTP Error 429: Too Many Requests", ClassLimitExceeded},
		{"ERROR: unable to download webpage: <urlopen error timed out>", ClassNetwork},
		{"ERROR: Connection reset by peer", ClassNetwork},
		{"ERROR: unable to download webpage: HTTP Error 503: Service Unavailable", ClassNetwork},
		{"ERROR: File is larger than max-filesize (3000000000 bytes > 2147483648 bytes)", ClassLimitExceeded},
		{"ERROR: something nobody has seen before", ClassUnknown},
	}
	for _, c := range cases {
		if got := Classify(c.stderr); got != c.want {
			t.Errorf("Classify(%q) = %s, want %s", c.stderr, got, c.want)
		}
	}
}

// scriptedRun replays a canned outcome per strategy, keyed on the
// player_client argument.
type scriptedRun struct {
	outcomes map[string]string // client -> stderr ("" means success)
	calls    []string
}

func (s *scriptedRun) run(ctx context.Context, args ...string) ([]byte, []byte, error) {
	client := "unknown"
	for i, a := range args {
		if a == "--extractor-args" && i+1 < len(args) {
			client = strings.TrimPrefix(args[i+1], "youtube:player_client=")
		}
	}
	s.calls = append(s.calls, client)
	stderr, ok := s.outcomes[client]
	if !ok || stderr == "" {
		return nil, nil, nil
	}
	return nil, []byte(stderr), errors.New("exit status 1")
}

func TestFetchFirstSuccessStops(t *testing.T) {
	sr := &scriptedRun{outcomes: map[string]string{"android": ""}}
	e := &Executor{run: sr.run}

	res, err := e.Fetch(context.Background(), "https://example.com/v", "/tmp/out", false)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Strategy != "android" {
		t.Errorf("strategy = %s, want android", res.Strategy)
	}
	if len(sr.calls) != 1 {
		t.Errorf("extractor invoked %d times, want 1", len(sr.calls))
	}
	if len(res.Trace) != 1 || res.Trace[0].Outcome != "ok" {
		t.Errorf("trace = %+v", res.Trace)
	}
}

func TestFetchFailsOver(t *testing.T) {
	sr := &scriptedRun{outcomes: map[string]string{
		"android": "ERROR: Requested format is not available",
		"ios":     "ERROR: HTTP Error 403: Forbidden",
		"tv":      "",
	}}
	e := &Executor{run: sr.run}

	res, err := e.Fetch(context.Background(), "https://example.com/v", "/tmp/out", false)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Strategy != "tv" {
		t.Errorf("strategy = %s, want tv", res.Strategy)
	}
	want := []string{"android", "ios", "tv"}
	for i, name := range want {
		if res.Trace[i].Strategy != name {
			t.Errorf("trace[%d].Strategy = %s, want %s", i, res.Trace[i].Strategy, name)
		}
	}
	if res.Trace[0].Outcome != string(ClassFormatUnavailable) {
		t.Errorf("trace[0].Outcome = %s", res.Trace[0].Outcome)
	}
}

func TestFetchSkipsCredentialedWithoutCookies(t *testing.T) {
	fail := "ERROR: HTTP Error 403: Forbidden"
	sr := &scriptedRun{outcomes: map[string]string{
		"android": fail, "ios": fail, "tv": fail, "web": "",
	}}
	e := &Executor{run: sr.run} // no cookie file

	_, err := e.Fetch(context.Background(), "https://example.com/v", "/tmp/out", false)
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want ExhaustedError", err)
	}
	// the credentialed strategy must not appear in the trace at all
	if len(ex.Trace) != 3 {
		t.Errorf("trace has %d entries, want 3: %+v", len(ex.Trace), ex.Trace)
	}
	for _, a := range ex.Trace {
		if a.Strategy == "web-with-cookies" {
			t.Error("credentialed strategy attempted without cookies")
		}
	}
}

func TestFetchUsesCookiesLast(t *testing.T) {
	fail := "ERROR: Sign in to confirm you're not a bot"
	sr := &scriptedRun{outcomes: map[string]string{
		"android": fail, "ios": fail, "tv": fail, "web": "",
	}}
	e := &Executor{run: sr.run}
	e.SetCookiesFile("/etc/cookies.txt")

	res, err := e.Fetch(context.Background(), "https://example.com/v", "/tmp/out", false)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Strategy != "web-with-cookies" {
		t.Errorf("strategy = %s, want web-with-cookies", res.Strategy)
	}
	if got := sr.calls[len(sr.calls)-1]; got != "web" {
		t.Errorf("last client = %s, want web", got)
	}
}

func TestFetchRetriesNetworkOnly(t *testing.T) {
	calls := 0
	e := &Executor{run: func(ctx context.Context, args ...string) ([]byte, []byte, error) {
		calls++
		if calls <= 2 {
			return nil, []byte("ERROR: <urlopen error timed out>"), errors.New("exit status 1")
		}
		return nil, nil, nil
	}}

	res, err := e.Fetch(context.Background(), "https://example.com/v", "/tmp/out", false)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Strategy != "android" {
		t.Errorf("strategy = %s, want android (retried in place)", res.Strategy)
	}
	if calls != 3 {
		t.Errorf("extractor invoked %d times, want 3", calls)
	}
	if len(res.Trace) != 1 {
		t.Errorf("retries must collapse into one trace entry, got %+v", res.Trace)
	}
}

func TestFetchCapsTransferSize(t *testing.T) {
	t.Setenv("RETROVERT_MAX_FILESIZE", "1M")
	var seen []string
	e := &Executor{run: func(ctx context.Context, args ...string) ([]byte, []byte, error) {
		seen = args
		return nil, nil, nil
	}}
	if _, err := e.Fetch(context.Background(), "https://example.com/v", "/tmp/out", false); err != nil {
		t.Fatal(err)
	}
	found := false
	for i, a := range seen {
		if a == "--max-filesize" && i+1 < len(seen) {
			found = true
			if seen[i+1] != "1048576" {
				t.Errorf("--max-filesize = %s, want 1048576", seen[i+1])
			}
		}
	}
	if !found {
		t.Errorf("fetch args missing --max-filesize: %s", strings.Join(seen, " "))
	}
}

func TestSetCookiesFileDuringFetch(t *testing.T) {
	fail := "ERROR: Sign in to confirm you're not a bot"
	sr := &scriptedRun{outcomes: map[string]string{
		"android": fail, "ios": fail, "tv": fail, "web": "",
	}}
	e := &Executor{run: sr.run}
	e.SetCookiesFile("/etc/cookies.txt")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			e.SetCookiesFile("/etc/cookies.txt")
		}
	}()
	for i := 0; i < 10; i++ {
		if _, err := e.Fetch(context.Background(), "https://example.com/v", "/tmp/out", false); err != nil {
			t.Fatalf("fetch: %v", err)
		}
	}
	<-done
}

func TestFetchAudioOnlyFormat(t *testing.T) {
	var seen []string
	e := &Executor{run: func(ctx context.Context, args ...string) ([]byte, []byte, error) {
		seen = args
		return nil, nil, nil
	}}
	if _, err := e.Fetch(context.Background(), "https://example.com/v", "/tmp/out", true); err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(seen, " ")
	if !strings.Contains(joined, "bestaudio") {
		t.Errorf("audio-only fetch args missing bestaudio: %s", joined)
	}
}
