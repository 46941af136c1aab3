package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

const appDirName = "meritd"

// DataDir returns the platform data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/meritd/
//   - Linux:   $XDG_DATA_HOME/meritd/ or ~/.local/share/meritd/
//   - Windows: %APPDATA%\meritd\
func DataDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", appDirName)
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appDirName)
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, appDirName)
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appDirName)
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", appDirName)
	}
}

// ConfigDir returns the platform configuration directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/meritd/
//   - Linux:   $XDG_CONFIG_HOME/meritd/ or ~/.config/meritd/
//   - Windows: %APPDATA%\meritd\
func ConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", appDirName)
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appDirName)
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, appDirName)
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appDirName)
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", appDirName)
	}
}

// LogDir returns the platform log directory. It matches the fallback the
// logging package uses when no file path is configured.
//
// Platform paths:
//   - macOS:   ~/Library/Logs/meritd/
//   - Linux:   $XDG_STATE_HOME/meritd/ or ~/.local/state/meritd/
//   - Windows: %LOCALAPPDATA%\meritd\logs\
func LogDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Logs", appDirName)
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, appDirName, "logs")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, appDirName, "logs")
	default:
		if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
			return filepath.Join(xdg, appDirName)
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "state", appDirName)
	}
}

// RuntimeDir returns the directory for sockets and other runtime files.
// On Unix this is $XDG_RUNTIME_DIR/meritd or a per-user temp directory.
func RuntimeDir() string {
	if runtime.GOOS == "windows" {
		return ""
	}
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, appDirName)
	}
	return filepath.Join(os.TempDir(), appDirName+"-"+strconv.Itoa(os.Getuid()))
}

// DefaultSocketPath returns the default IPC endpoint.
func DefaultSocketPath() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\meritd`
	}
	return filepath.Join(RuntimeDir(), "meritd.sock")
}

// isWindowsPipe reports whether the path names a Windows named pipe.
func isWindowsPipe(path string) bool {
	return strings.HasPrefix(path, `\\.\pipe\`)
}

// DefaultPaths bundles every location the daemon touches by default.
type DefaultPaths struct {
	DataDir    string
	ConfigFile string
	StateFile  string
	HistoryDB  string
	SocketPath string
	LogFile    string
}

// GetDefaultPaths returns the resolved default locations for this platform.
func GetDefaultPaths() DefaultPaths {
	dir := MeritdDir()
	return DefaultPaths{
		DataDir:    dir,
		ConfigFile: ConfigPath(),
		StateFile:  filepath.Join(dir, "state.json"),
		HistoryDB:  filepath.Join(dir, "history.db"),
		SocketPath: DefaultSocketPath(),
		LogFile:    filepath.Join(LogDir(), "meritd.log"),
	}
}

// SupportedConfigFormats lists the file extensions the loader understands.
var SupportedConfigFormats = []string{".toml", ".json", ".yaml", ".yml"}

// FindConfigFile searches the usual locations for a configuration file and
// returns the first hit, or "" when none exists. The working directory is
// checked first so a local meritd.toml wins during development.
func FindConfigFile() string {
	candidates := make([]string, 0, 3*len(SupportedConfigFormats))
	for _, ext := range SupportedConfigFormats {
		candidates = append(candidates, appDirName+ext)
	}
	for _, dir := range []string{ConfigDir(), MeritdDir()} {
		for _, ext := range SupportedConfigFormats {
			candidates = append(candidates, filepath.Join(dir, "config"+ext))
		}
	}
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		return filepath.Join(home, path[2:])
	}
	return path
}
