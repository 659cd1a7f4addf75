// Package doctor runs the preflight checks behind `favsync doctor`.
package doctor

import (
	"os"
	"path/filepath"
	"strings"

	"favsync/internal/config"
	"favsync/internal/runstore"
	"favsync/internal/ytdlp"
)

type Result struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks"`
}

type Check struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Run checks the external tools and the directories the enabled sources
// write to.
func Run(cfg *config.Config) Result {
	checks := make([]Check, 0, 8)
	dep := ytdlp.DependencyStatus(cfg.Tools.YTDLP, cfg.Tools.FFmpeg)
	checks = append(checks, Check{
		Name:    "dependency:yt-dlp",
		OK:      dep.YTDLPFound,
		Message: dependencyMessage(dep.YTDLPFound, dep.YTDLPPath, "yt-dlp"),
	})
	checks = append(checks, Check{
		Name:    "dependency:ffmpeg",
		OK:      dep.FFmpegFound,
		Message: dependencyMessage(dep.FFmpegFound, dep.FFmpegPath, "ffmpeg"),
	})

	dirs := []struct {
		name string
		path string
	}{
		{"directory:state", cfg.StateDir},
		{"directory:cache", cfg.CacheDir},
	}
	if cfg.Bilibili.Enabled {
		dirs = append(dirs, struct{ name, path string }{"directory:bilibili", cfg.Bilibili.Path})
	}
	if cfg.Tangxin.Enabled {
		dirs = append(dirs, struct{ name, path string }{"directory:tangxin", cfg.Tangxin.Path})
	}
	if cfg.Telegram.Enabled {
		dirs = append(dirs, struct{ name, path string }{"directory:telegram", cfg.Telegram.Path})
	}
	if cfg.Ledger.Backend == config.LedgerSQLite {
		dirs = append(dirs, struct{ name, path string }{"directory:ledger", filepath.Dir(cfg.Ledger.SQLitePath)})
	}
	for _, d := range dirs {
		if strings.TrimSpace(d.path) == "" {
			continue
		}
		ok, msg := ensureWritableDir(d.path)
		checks = append(checks, Check{Name: d.name, OK: ok, Message: msg})
	}

	if cfg.Bilibili.Enabled {
		ok, msg := readableFile(cfg.Bilibili.Cookies)
		checks = append(checks, Check{Name: "file:bilibili-cookies", OK: ok, Message: msg})
	}

	ok := true
	for _, c := range checks {
		if !c.OK {
			ok = false
			break
		}
	}
	return Result{OK: ok, Checks: checks}
}

func dependencyMessage(ok bool, path, name string) string {
	if ok {
		return name + " found at " + path
	}
	return name + " not found on PATH"
}

func ensureWritableDir(path string) (bool, string) {
	if strings.TrimSpace(path) == "" {
		return false, "empty path"
	}
	if err := runstore.Mkdir(path); err != nil {
		return false, err.Error()
	}
	f, err := os.CreateTemp(path, "favsync-check-*.tmp")
	if err != nil {
		return false, err.Error()
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	return true, "writable"
}

func readableFile(path string) (bool, string) {
	f, err := os.Open(path)
	if err != nil {
		return false, err.Error()
	}
	_ = f.Close()
	return true, "readable"
}
