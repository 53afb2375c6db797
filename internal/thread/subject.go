package thread

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Leading reply/forward markers, optionally counted ("Re[2]:"). Full-width
// colons are folded to ':' by NFKC before matching, the alternative is kept
// for inputs that skip normalization.
var markerPattern = regexp.MustCompile(`(?i)^(?:re|fwd?|aw|wg|sv|vs|tr|rif|odp|返信|転送|回复|转发)\s*(?:\[\d+\])?\s*[:：]`)

var spacePattern = regexp.MustCompile(`\s+`)

// NormalizeSubject reduces a subject to the form threads are matched on.
// It is idempotent.
func NormalizeSubject(subject string) string {
	s := norm.NFKC.String(subject)
	s = strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
	for {
		loc := markerPattern.FindStringIndex(s)
		if loc == nil {
			break
		}
		s = strings.TrimSpace(s[loc[1]:])
	}
	return s
}
