package camera

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/qtrobot/robot-server/pkg/config"
)

// GoCVSource captures from a V4L2/USB camera through OpenCV and
// encodes each frame as JPEG at the configured quality.
type GoCVSource struct {
	cap     *gocv.VideoCapture
	img     gocv.Mat
	width   int
	height  int
	quality int
}

func NewGoCVSource(cfg config.CameraConfig) (*GoCVSource, error) {
	cap, err := gocv.OpenVideoCapture(cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("opening camera %d: %w", cfg.DeviceID, err)
	}
	cap.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	cap.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	cap.Set(gocv.VideoCaptureFPS, float64(cfg.FPS))
	return &GoCVSource{
		cap:     cap,
		img:     gocv.NewMat(),
		width:   cfg.Width,
		height:  cfg.Height,
		quality: cfg.StreamQuality,
	}, nil
}

func (s *GoCVSource) Capture() ([]byte, error) {
	if ok := s.cap.Read(&s.img); !ok || s.img.Empty() {
		return nil, fmt.Errorf("camera read failed")
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, s.img, []int{gocv.IMWriteJpegQuality, s.quality})
	if err != nil {
		return nil, fmt.Errorf("JPEG encode: %w", err)
	}
	defer buf.Close()
	// Copy out: the buffer is freed on Close.
	jpeg := make([]byte, buf.Len())
	copy(jpeg, buf.GetBytes())
	return jpeg, nil
}

func (s *GoCVSource) SetResolution(width, height int) error {
	s.cap.Set(gocv.VideoCaptureFrameWidth, float64(width))
	s.cap.Set(gocv.VideoCaptureFrameHeight, float64(height))
	s.width = width
	s.height = height
	fmt.Printf("Camera: resolution -> %dx%d\n", width, height)
	return nil
}

func (s *GoCVSource) Resolution() (int, int) {
	return s.width, s.height
}

func (s *GoCVSource) Close() error {
	s.img.Close()
	return s.cap.Close()
}

var _ Source = (*GoCVSource)(nil)
