package encoder

import (
	"fmt"
	"time"
)

// Profile describes the encoding parameters handed to the external encoder.
type Profile struct {
	VideoCodec    string
	Preset        string
	VideoBitrate  string
	MaxBitrate    string
	BufSize       string
	PixelFormat   string
	GOP           int
	FrameRate     int
	AudioCodec    string
	AudioBitrate  string
	AudioRate     int
	AudioChannels int
	Format        string
}

// DefaultProfile returns the encoding profile tuned for continuous low-cost
// ambience streaming: x264 ultrafast at 1800k, 24 fps, mono AAC at 96k, FLV
// container for RTMP ingestion.
func DefaultProfile() Profile {
	return Profile{
		VideoCodec:    "libx264",
		Preset:        "ultrafast",
		VideoBitrate:  "1800k",
		MaxBitrate:    "2000k",
		BufSize:       "4000k",
		PixelFormat:   "yuv420p",
		GOP:           48,
		FrameRate:     24,
		AudioCodec:    "aac",
		AudioBitrate:  "96k",
		AudioRate:     22050,
		AudioChannels: 1,
		Format:        "flv",
	}
}

// BuildArgs returns the encoder argv for streaming video+audio to output.
// Both inputs loop indefinitely at the source level so a single short asset
// can fill an arbitrarily long session; total output duration is capped to
// maxDuration so a forgotten process cannot outlive its session.
func BuildArgs(video, audio, output string, p Profile, maxDuration time.Duration) []string {
	args := []string{
		"-loglevel", "warning",
		"-re",
		"-stream_loop", "-1",
		"-i", video,
		"-stream_loop", "-1",
		"-i", audio,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", p.VideoCodec,
		"-preset", p.Preset,
		"-b:v", p.VideoBitrate,
		"-maxrate", p.MaxBitrate,
		"-bufsize", p.BufSize,
		"-pix_fmt", p.PixelFormat,
		"-g", fmt.Sprintf("%d", p.GOP),
		"-r", fmt.Sprintf("%d", p.FrameRate),
		"-c:a", p.AudioCodec,
		"-b:a", p.AudioBitrate,
		"-ar", fmt.Sprintf("%d", p.AudioRate),
		"-ac", fmt.Sprintf("%d", p.AudioChannels),
	}
	if maxDuration > 0 {
		args = append(args, "-t", fmt.Sprintf("%d", int(maxDuration.Seconds())))
	}
	args = append(args, "-f", p.Format, output)
	return args
}
