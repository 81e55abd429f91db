package narrate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/castlabs-oss/go-director/pkg/protocol"
)

// Context is the material a narration line is built from: the feature
// snapshot of the camera being cut to.
type Context struct {
	CamID    string
	Features protocol.Features
}

// Safety filter patterns for recent speech quotes. Flagged speech is
// never quoted; the template falls through to the next branch.
var (
	emailPattern = regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[\w.]+\b`)
	phonePattern = regexp.MustCompile(`\b(?:\+?\d[\d\s().-]{7,}\d)\b`)
)

var profanity = map[string]bool{
	"damn": true, "hell": true, "shit": true, "fuck": true,
	"bastard": true, "bitch": true, "crap": true,
}

// SpeechSafe reports whether a speech quote passes the PII/profanity
// filter.
func SpeechSafe(text string) bool {
	if text == "" {
		return false
	}
	if emailPattern.MatchString(text) || phonePattern.MatchString(text) {
		return false
	}
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		if profanity[strings.Trim(tok, ".,!?;:'\"")] {
			return false
		}
	}
	return true
}

// Compose builds the narration line for a switch. Branch priority is
// fixed: scene tags, then top objects, then recent speech, then a
// generic fallback, which makes output deterministic given a context.
func Compose(ctx Context, maxWords int) string {
	cam := displayName(ctx.CamID)
	var line string

	switch {
	case len(ctx.Features.Tags) > 0:
		line = fmt.Sprintf("Over to %s, %s in view", cam, ctx.Features.Tags[0])
	case len(ctx.Features.TopObjects) > 0:
		line = fmt.Sprintf("Cutting to %s with %s", cam, joinTwo(ctx.Features.TopObjects))
	case SpeechSafe(ctx.Features.RecentSpeechText):
		line = fmt.Sprintf("On %s: %s", cam, ctx.Features.RecentSpeechText)
	default:
		line = fmt.Sprintf("Switching to %s", cam)
	}

	return capWords(line, maxWords)
}

// displayName strips the camera id prefix for speech.
func displayName(camID string) string {
	if i := strings.IndexByte(camID, '-'); i >= 0 && i+1 < len(camID) {
		return "camera " + camID[i+1:]
	}
	return camID
}

func joinTwo(items []string) string {
	if len(items) == 1 {
		return items[0]
	}
	return items[0] + " and " + items[1]
}

// capWords truncates a line to at most n words.
func capWords(line string, n int) string {
	words := strings.Fields(line)
	if len(words) <= n {
		return line
	}
	return strings.Join(words[:n], " ")
}
