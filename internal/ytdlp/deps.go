package ytdlp

import (
	"fmt"
	"os/exec"
	"strings"
)

type DependencyReport struct {
	YTDLPFound  bool   `json:"yt_dlp_found"`
	YTDLPPath   string `json:"yt_dlp_path,omitempty"`
	FFmpegFound bool   `json:"ffmpeg_found"`
	FFmpegPath  string `json:"ffmpeg_path,omitempty"`
}

// DependencyStatus looks up the configured tool binaries. Empty names fall
// back to the defaults on PATH.
func DependencyStatus(ytdlpBin, ffmpegBin string) DependencyReport {
	report := DependencyReport{}
	if path, err := exec.LookPath(orDefault(ytdlpBin, "yt-dlp")); err == nil {
		report.YTDLPFound = true
		report.YTDLPPath = path
	}
	if path, err := exec.LookPath(orDefault(ffmpegBin, "ffmpeg")); err == nil {
		report.FFmpegFound = true
		report.FFmpegPath = path
	}
	return report
}

func CheckDependencies(ytdlpBin, ffmpegBin string) error {
	report := DependencyStatus(ytdlpBin, ffmpegBin)
	if !report.YTDLPFound {
		return fmt.Errorf("missing dependency: yt-dlp is not installed or not on PATH")
	}
	if !report.FFmpegFound {
		return fmt.Errorf("missing dependency: ffmpeg is required to merge segmented streams and was not found on PATH")
	}
	return nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}
