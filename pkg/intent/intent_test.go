package intent

import (
	"testing"

	"github.com/qtrobot/robot-server/pkg/protocol"
)

func expectMatch(t *testing.T, text string, want protocol.MessageType) {
	t.Helper()
	got, ok := Match(text)
	if !ok {
		t.Fatalf("Match(%q) found nothing, want %s", text, want)
	}
	if got != want {
		t.Fatalf("Match(%q) = %s, want %s", text, got, want)
	}
}

func expectNoMatch(t *testing.T, text string) {
	t.Helper()
	if got, ok := Match(text); ok {
		t.Fatalf("Match(%q) = %s, want no match", text, got)
	}
}

func TestExactPhrases(t *testing.T) {
	expectMatch(t, "move forward", protocol.TypeMoveForward)
	expectMatch(t, "turn left", protocol.TypeTurnLeft)
	expectMatch(t, "stop", protocol.TypeStop)
	expectMatch(t, "camera on", protocol.TypeStartCamera)
}

func TestNormalization(t *testing.T) {
	expectMatch(t, "  Move Forward!  ", protocol.TypeMoveForward)
	expectMatch(t, "STOP.", protocol.TypeStop)
}

func TestFuzzyTranscription(t *testing.T) {
	// One dropped letter inside a longer phrase still resolves.
	expectMatch(t, "move forwrd", protocol.TypeMoveForward)
	expectMatch(t, "turn lef", protocol.TypeTurnLeft)
}

func TestUnrecognizedText(t *testing.T) {
	expectNoMatch(t, "make me a sandwich")
	expectNoMatch(t, "")
	expectNoMatch(t, "?!")
}
