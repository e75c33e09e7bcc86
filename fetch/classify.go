package fetch

import "regexp"

// FailureClass buckets a failed fetch attempt by what the extractor's
// stderr says went wrong. Only ClassNetwork is worth retrying on the same
// strategy; the rest fail over to the next one immediately.
type FailureClass string

const (
	ClassFormatUnavailable FailureClass = "format-unavailable"
	ClassAccessDenied      FailureClass = "access-denied"
	ClassLimitExceeded     FailureClass = "limit-exceeded"
	ClassNetwork           FailureClass = "network"
	ClassUnknown           FailureClass = "unknown"
)

var classPatterns = []struct {
	class FailureClass
	re    *regexp.Regexp
}{
	{ClassFormatUnavailable, regexp.MustCompile(`(?i)requested format is not available|no video formats found|format .* not available`)},
	{ClassAccessDenied, regexp.MustCompile(`(?i)sign in to confirm|private video|members-only|login required|age.restricted|This video is (only )?available (to|for)|HTTP Error 40[13]`)},
	{ClassLimitExceeded, regexp.MustCompile(`(?i)HTTP Error 429|too many requests|rate.?limit|file is larger than max-filesize`)},
	{ClassNetwork, regexp.MustCompile(`(?i)timed? ?out|connection (reset|refused|aborted)|temporary failure in name resolution|unable to (connect|download)|network is unreachable|HTTP Error 5\d\d|incomplete read`)},
}

// Classify maps extractor stderr to a failure class. Order matters: a 429
// is a limit, not a generic network hiccup, even though both mention HTTP.
func Classify(stderr string) FailureClass {
	for _, p := range classPatterns {
		if p.re.MatchString(stderr) {
			return p.class
		}
	}
	return ClassUnknown
}
