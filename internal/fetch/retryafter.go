package fetch

import (
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultRetryAfter is used when a 429 carries no parsable hint.
const DefaultRetryAfter = 7 * time.Second

// defaultRetryAfterFields are the body fields consulted, in order, for a retry-after hint.
var defaultRetryAfterFields = []string{"retry-after", "retry_after"}

// parseRetryAfter extracts the wait hint from a 429 response. The body field wins over the
// Retry-After header; the value is the first whitespace-delimited token read as whole seconds,
// so both `7` and `"7 seconds"` are accepted.
func parseRetryAfter(body []byte, header string, fields []string) (time.Duration, bool) {
	if gjson.ValidBytes(body) {
		for _, field := range fields {
			res := gjson.GetBytes(body, gjson.Escape(field))
			if !res.Exists() {
				continue
			}
			if d, ok := secondsToken(res.String()); ok {
				return d, true
			}
		}
	}
	return secondsToken(header)
}

func secondsToken(s string) (time.Duration, bool) {
	tokens := strings.Fields(s)
	if len(tokens) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(tokens[0])
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}
