package sound

import (
	"os"
	"path/filepath"
	"testing"
)

func openFDCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("cannot count open fds: %v", err)
	}
	return len(entries)
}

func TestOpenStreamClosesFileOnBadWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-wav.wav")
	if err := os.WriteFile(path, []byte("this is not RIFF data"), 0644); err != nil {
		t.Fatal(err)
	}

	before := openFDCount(t)
	for i := 0; i < 50; i++ {
		if _, err := openStream(path); err == nil {
			t.Fatal("decoding garbage succeeded")
		}
	}
	if after := openFDCount(t); after > before {
		t.Fatalf("open fds grew from %d to %d; decode failure leaks the file", before, after)
	}
}

func TestOpenStreamMissingFile(t *testing.T) {
	if _, err := openStream(filepath.Join(t.TempDir(), "nope.wav")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
