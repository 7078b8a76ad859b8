// Package shellinit generates the shell bootstrap that makes a shell report
// command boundaries, and parses the sentinels it prints.
package shellinit

import (
	"fmt"
	"strconv"
	"strings"
)

// Sentinels are plain ASCII so they survive any transport. The bootstrap
// prints them with octal escapes (\074 is '<', \076 is '>'), so the literal
// sentinel never appears in echoed input.
const (
	MarkerStart = "<<<TTYX:"
	MarkerEnd   = ">>>"

	readyBody  = "READY"
	promptBody = "PROMPT"
)

// MaxMarkerLen bounds the look-back window kept across reads: the longest
// prompt sentinel with a PATH_MAX working directory, every byte escaped.
const MaxMarkerLen = len(MarkerStart) + len(promptBody) + len(" exit=-2147483648 cwd=") + 3*4096 + len(MarkerEnd)

// MarkerKind identifies a sentinel.
type MarkerKind int

const (
	// MarkerReady is printed once when the bootstrap finished.
	MarkerReady MarkerKind = iota + 1
	// MarkerPrompt is printed before every prompt with the last exit status and cwd.
	MarkerPrompt
)

// Marker is a parsed sentinel.
type Marker struct {
	Kind     MarkerKind
	ExitCode int
	Cwd      string
}

// ReadyMarker is the literal sentinel printed when the bootstrap completes.
func ReadyMarker() string {
	return MarkerStart + readyBody + MarkerEnd
}

// FormatPrompt renders a prompt sentinel exactly as the shell prints it.
func FormatPrompt(exitCode int, cwd string) string {
	return fmt.Sprintf("%s%s exit=%d cwd=%s%s", MarkerStart, promptBody, exitCode, cwdEncoder.Replace(cwd), MarkerEnd)
}

// The cwd field never contains '>', so the first MarkerEnd closes the sentinel.
var (
	cwdEncoder = strings.NewReplacer("%", "%25", ">", "%3E")
	cwdDecoder = strings.NewReplacer("%25", "%", "%3E", ">", "%3e", ">")
)

// ParseMarker parses the text between MarkerStart and MarkerEnd.
func ParseMarker(body string) (Marker, bool) {
	if body == readyBody {
		return Marker{Kind: MarkerReady}, true
	}
	rest, ok := strings.CutPrefix(body, promptBody+" exit=")
	if !ok {
		return Marker{}, false
	}
	code, cwd, ok := strings.Cut(rest, " cwd=")
	if !ok {
		return Marker{}, false
	}
	exit, err := strconv.Atoi(code)
	if err != nil {
		return Marker{}, false
	}
	return Marker{Kind: MarkerPrompt, ExitCode: exit, Cwd: cwdDecoder.Replace(cwd)}, true
}

// PartialStartLen reports how many trailing bytes of s could begin a sentinel.
func PartialStartLen(s string) int {
	max := len(MarkerStart) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, MarkerStart[:n]) {
			return n
		}
	}
	return 0
}
