// Package sound plays wav alerts through the speaker. Playback is fed
// through a channel so callers never block on audio; if the speaker is
// missing the sounds are logged and dropped.
package sound

import (
	"fmt"
	"os"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"
)

// Init starts the playback goroutine and returns the channel to feed
// wav file paths into. Closing the channel shuts playback down.
func Init() chan string {
	toPlay := make(chan string)
	go func() {
		defer func() {
			recover()
			for s := range toPlay {
				fmt.Println("Sound: unable to play", s)
			}
		}()
		sampleRate := beep.SampleRate(44100)
		err := speaker.Init(sampleRate, sampleRate.N(time.Second/5))
		if err != nil {
			fmt.Println("Sound: failed to open speaker:", err)
			for s := range toPlay {
				fmt.Println("Sound: unable to play", s)
			}
			return
		}
		var ctrl *beep.Ctrl
		var stream beep.StreamSeekCloser
		for path := range toPlay {
			if ctrl != nil {
				// Cut off whatever is still playing.
				speaker.Lock()
				ctrl.Paused = true
				ctrl.Streamer = nil
				speaker.Unlock()
				ctrl = nil
			}
			if stream != nil {
				stream.Close()
			}

			stream, err = openStream(path)
			if err != nil {
				fmt.Println("Sound: failed to load", path, ":", err)
				continue
			}
			ctrl = &beep.Ctrl{Streamer: stream}
			speaker.Play(ctrl)
		}
	}()
	return toPlay
}

// openStream opens a wav file for playback. The file handle belongs to
// the returned stream; on any failure it is closed before returning.
func openStream(path string) (beep.StreamSeekCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	stream, _, err := wav.Decode(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return stream, nil
}

// Play queues a sound without blocking. Sounds are best-effort: if the
// player is wedged the request is dropped after a short wait.
func Play(toPlay chan<- string, path string) {
	defer func() {
		recover() // Channel may already be closed during shutdown.
	}()
	select {
	case toPlay <- path:
	case <-time.After(10 * time.Millisecond):
		fmt.Println("Sound: timed out queueing", path)
	}
}
