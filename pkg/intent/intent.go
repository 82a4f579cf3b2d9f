// Package intent maps transcribed voice text onto the closed set of
// wire commands. The output is exactly the command a button press
// would produce; there is no free-form interpretation here.
package intent

import (
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/qtrobot/robot-server/pkg/protocol"
)

// aliases maps spoken phrases to command types. Order matters only for
// ties, which go to the earlier entry.
var aliases = []struct {
	phrase string
	cmd    protocol.MessageType
}{
	{"forward", protocol.TypeMoveForward},
	{"go forward", protocol.TypeMoveForward},
	{"move forward", protocol.TypeMoveForward},
	{"go ahead", protocol.TypeMoveForward},
	{"backward", protocol.TypeMoveBackward},
	{"go backward", protocol.TypeMoveBackward},
	{"move back", protocol.TypeMoveBackward},
	{"reverse", protocol.TypeMoveBackward},
	{"turn left", protocol.TypeTurnLeft},
	{"left", protocol.TypeTurnLeft},
	{"turn right", protocol.TypeTurnRight},
	{"right", protocol.TypeTurnRight},
	{"stop", protocol.TypeStop},
	{"halt", protocol.TypeStop},
	{"start camera", protocol.TypeStartCamera},
	{"camera on", protocol.TypeStartCamera},
	{"stop camera", protocol.TypeStopCamera},
	{"camera off", protocol.TypeStopCamera},
	{"start lidar", protocol.TypeStartLidar},
	{"stop lidar", protocol.TypeStopLidar},
}

func normalize(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(text)) {
		if r >= 'a' && r <= 'z' || r == ' ' {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Match resolves voice text to a command type. Fuzzy matching absorbs
// small transcription errors: an alias matches if its edit distance is
// within a quarter of the phrase length (minimum one edit).
func Match(text string) (protocol.MessageType, bool) {
	normalized := normalize(text)
	if normalized == "" {
		return "", false
	}

	bestDist := -1
	var best protocol.MessageType
	for _, a := range aliases {
		d := levenshtein.ComputeDistance(normalized, a.phrase)
		if bestDist == -1 || d < bestDist {
			bestDist = d
			best = a.cmd
		}
		if d == 0 {
			return a.cmd, true
		}
	}

	budget := len(normalized) / 4
	if budget < 1 {
		budget = 1
	}
	if bestDist <= budget {
		return best, true
	}
	return "", false
}
