// Package facedisplay renders the robot's face on the little SPI TFT
// framebuffer. The face is a pure presentation layer: it is driven
// entirely by the expression enum from face_expression messages.
package facedisplay

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/fogleman/gg"
)

// Expression is the closed set of faces the robot can pull.
type Expression string

const (
	Neutral   Expression = "neutral"
	Happy     Expression = "happy"
	Sad       Expression = "sad"
	Surprised Expression = "surprised"
	Angry     Expression = "angry"
	Thinking  Expression = "thinking"
)

var ErrUnknownExpression = errors.New("unknown expression")

// ParseExpression validates an expression name from the wire.
func ParseExpression(s string) (Expression, error) {
	switch Expression(s) {
	case Neutral, Happy, Sad, Surprised, Angry, Thinking:
		return Expression(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownExpression, s)
}

// Display shows one expression at a time.
type Display interface {
	Show(e Expression) error
	Close() error
}

const screenSize = 128

// Framebuffer renders to a 128x128 RGB565 framebuffer device.
type Framebuffer struct {
	mu sync.Mutex
	f  *os.File
}

// Open opens the framebuffer device, typically /dev/fb1.
func Open(device string) (*Framebuffer, error) {
	f, err := os.OpenFile(device, os.O_RDWR, 0666)
	if err != nil {
		return nil, err
	}
	return &Framebuffer{f: f}, nil
}

func (d *Framebuffer) Show(e Expression) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dc := gg.NewContext(screenSize, screenSize)
	drawFace(dc, e)

	buf := toRGB565(dc)
	if _, err := d.f.Seek(0, 0); err != nil {
		return err
	}
	_, err := d.f.Write(buf)
	return err
}

func (d *Framebuffer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Blank the screen on the way out.
	var blank [screenSize * screenSize * 2]byte
	d.f.Seek(0, 0)
	d.f.Write(blank[:])
	return d.f.Close()
}

// drawFace draws two eyes and a mouth; the expression only moves the
// mouth curve and eye shape around.
func drawFace(dc *gg.Context, e Expression) {
	const S = screenSize
	dc.SetRGB(0, 0, 0)
	dc.Clear()
	dc.SetRGBA(1, 0.9, 0, 1)

	// Eyes.
	switch e {
	case Surprised:
		dc.DrawCircle(S*0.33, S*0.35, 14)
		dc.DrawCircle(S*0.67, S*0.35, 14)
		dc.Stroke()
	case Angry:
		dc.DrawLine(S*0.22, S*0.28, S*0.44, S*0.36)
		dc.DrawLine(S*0.78, S*0.28, S*0.56, S*0.36)
		dc.SetLineWidth(4)
		dc.Stroke()
		dc.SetLineWidth(1)
		dc.DrawCircle(S*0.33, S*0.42, 7)
		dc.DrawCircle(S*0.67, S*0.42, 7)
		dc.Fill()
	case Thinking:
		dc.DrawCircle(S*0.33, S*0.35, 9)
		dc.Fill()
		dc.DrawLine(S*0.58, S*0.35, S*0.76, S*0.35)
		dc.SetLineWidth(4)
		dc.Stroke()
		dc.SetLineWidth(1)
	default:
		dc.DrawCircle(S*0.33, S*0.35, 9)
		dc.DrawCircle(S*0.67, S*0.35, 9)
		dc.Fill()
	}

	// Mouth.
	switch e {
	case Happy:
		dc.DrawArc(S*0.5, S*0.6, S*0.22, gg.Radians(20), gg.Radians(160))
	case Sad:
		dc.DrawArc(S*0.5, S*0.85, S*0.22, gg.Radians(200), gg.Radians(340))
	case Surprised:
		dc.DrawCircle(S*0.5, S*0.72, 10)
	case Angry:
		dc.DrawLine(S*0.34, S*0.74, S*0.66, S*0.74)
	case Thinking:
		dc.DrawLine(S*0.40, S*0.74, S*0.62, S*0.70)
	default:
		dc.DrawLine(S*0.36, S*0.72, S*0.64, S*0.72)
	}
	dc.SetLineWidth(4)
	dc.Stroke()
}

// toRGB565 converts the rendered context to the framebuffer's
// byte order, flipped vertically to match the panel.
func toRGB565(dc *gg.Context) []byte {
	const S = screenSize
	buf := make([]byte, S*S*2)
	img := dc.Image()
	for y := 0; y < S; y++ {
		for x := 0; x < S; x++ {
			r, g, b, _ := img.At(x, y).RGBA() // 16-bit pre-multiplied

			rb := byte(r >> (16 - 5))
			gb := byte(g >> (16 - 6)) // green has 6 bits
			bb := byte(b >> (16 - 5))

			buf[(S-1-y)*2+x*S*2+1] = (rb << 3) | (gb >> 3)
			buf[(S-1-y)*2+x*S*2] = bb | (gb << 5)
		}
	}
	return buf
}

// LogOnly stands in when no framebuffer is present.
type LogOnly struct{}

func (LogOnly) Show(e Expression) error {
	fmt.Println("Face:", e)
	return nil
}

func (LogOnly) Close() error { return nil }

var _ Display = (*Framebuffer)(nil)
var _ Display = LogOnly{}
