//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meritd/internal/ipc"
)

// CLIEnv builds the meritd and meritctl binaries and runs them against a
// throwaway config, data directory, and socket.
type CLIEnv struct {
	T           *testing.T
	TempDir     string
	DataDir     string
	ConfigPath  string
	SocketPath  string
	MeritdBin   string
	MeritctlBin string

	daemon  *exec.Cmd
	logPath string
}

// NewCLIEnv creates directories, writes the daemon config, and builds
// both binaries.
func NewCLIEnv(t *testing.T) *CLIEnv {
	t.Helper()

	tempDir := t.TempDir()
	dataDir := filepath.Join(tempDir, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0700))

	env := &CLIEnv{
		T:           t,
		TempDir:     tempDir,
		DataDir:     dataDir,
		ConfigPath:  filepath.Join(tempDir, "config.toml"),
		SocketPath:  filepath.Join(tempSocketDir(t), "meritd.sock"),
		MeritdBin:   filepath.Join(tempDir, "bin", "meritd"),
		MeritctlBin: filepath.Join(tempDir, "bin", "meritctl"),
	}
	env.writeConfig()
	env.buildBinaries()
	return env
}

// writeConfig points the daemon at the temp directories and disables
// capture; there is no input to capture in a test runner anyway.
func (env *CLIEnv) writeConfig() {
	env.T.Helper()

	cfg := fmt.Sprintf(`version = 2

[data]
dir = %q
state_file = %q
history_db = %q

[capture]
enabled = false

[ipc]
socket_path = %q

[logging]
level = "debug"
format = "text"
output = "stderr"
`,
		env.DataDir,
		filepath.Join(env.DataDir, "state.json"),
		filepath.Join(env.DataDir, "history.db"),
		env.SocketPath,
	)
	require.NoError(env.T, os.WriteFile(env.ConfigPath, []byte(cfg), 0600))
}

func (env *CLIEnv) buildBinaries() {
	env.T.Helper()

	root := projectRoot(env.T)
	for bin, pkg := range map[string]string{
		env.MeritdBin:   "./cmd/meritd",
		env.MeritctlBin: "./cmd/meritctl",
	} {
		cmd := exec.Command("go", "build", "-o", bin, pkg)
		cmd.Dir = root
		cmd.Env = os.Environ()
		if output, err := cmd.CombinedOutput(); err != nil {
			env.T.Fatalf("build %s failed: %v\n%s", pkg, err, output)
		}
	}
}

// StartDaemon launches meritd run and waits until its socket answers.
// Daemon output goes to a file so failures can dump it without racing
// the running process.
func (env *CLIEnv) StartDaemon() {
	env.T.Helper()

	env.logPath = filepath.Join(env.TempDir, "meritd.log")
	logFile, err := os.Create(env.logPath)
	require.NoError(env.T, err)

	cmd := exec.Command(env.MeritdBin, "run", "-config", env.ConfigPath)
	cmd.Env = os.Environ()
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	require.NoError(env.T, cmd.Start())
	require.NoError(env.T, logFile.Close())
	env.daemon = cmd

	deadline := time.Now().Add(15 * time.Second)
	for {
		if _, _, err := env.RunCtl("stats", "--json"); err == nil {
			return
		}
		if time.Now().After(deadline) {
			env.T.Fatalf("daemon never answered on its socket\n%s", env.daemonOutput())
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// StopDaemon sends SIGTERM and waits for a clean exit.
func (env *CLIEnv) StopDaemon() {
	env.T.Helper()
	if env.daemon == nil {
		return
	}

	require.NoError(env.T, env.daemon.Process.Signal(syscall.SIGTERM))
	done := make(chan error, 1)
	go func() { done <- env.daemon.Wait() }()
	select {
	case err := <-done:
		assert.NoError(env.T, err, "daemon exited uncleanly\n%s", env.daemonOutput())
	case <-time.After(10 * time.Second):
		_ = env.daemon.Process.Kill()
		env.T.Fatalf("daemon ignored SIGTERM\n%s", env.daemonOutput())
	}
	env.daemon = nil
}

func (env *CLIEnv) daemonOutput() string {
	data, err := os.ReadFile(env.logPath)
	if err != nil {
		return fmt.Sprintf("(no daemon log: %v)", err)
	}
	return string(data)
}

// RunCtl runs meritctl against the test daemon and returns stdout and
// stderr separately.
func (env *CLIEnv) RunCtl(args ...string) (string, string, error) {
	env.T.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	full := append([]string{"--socket", env.SocketPath, "--config", env.ConfigPath}, args...)
	cmd := exec.CommandContext(ctx, env.MeritctlBin, full...)
	cmd.Env = os.Environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// RunDaemonCmd runs a meritd subcommand other than run.
func (env *CLIEnv) RunDaemonCmd(args ...string) (string, string, error) {
	env.T.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, env.MeritdBin, args...)
	cmd.Env = os.Environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func projectRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		require.NotEqual(t, dir, parent, "no go.mod above the test directory")
		dir = parent
	}
}

func tempSocketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "meritd-cli-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// TestCLIDaemonLifecycle drives the built binaries end to end: boot the
// daemon, query and mutate it with meritctl, stop it with SIGTERM, then
// check the CLI's archive fallback and not-running errors.
func TestCLIDaemonLifecycle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix socket test")
	}
	if testing.Short() {
		t.Skip("builds binaries")
	}

	env := NewCLIEnv(t)
	env.StartDaemon()
	defer env.StopDaemon()

	t.Run("meritd_status", func(t *testing.T) {
		stdout, _, err := env.RunDaemonCmd("status", "-config", env.ConfigPath, "-json")
		require.NoError(t, err)

		var st ipc.StatusResponse
		require.NoError(t, json.Unmarshal([]byte(stdout), &st))
		assert.True(t, st.Listening)
		assert.False(t, st.CaptureActive)
		assert.Zero(t, st.TotalMerit)
	})

	t.Run("meritctl_stats", func(t *testing.T) {
		stdout, _, err := env.RunCtl("stats")
		require.NoError(t, err)
		assert.Contains(t, stdout, "Total merit:  0")
	})

	t.Run("meritctl_settings_roundtrip", func(t *testing.T) {
		stdout, _, err := env.RunCtl("settings", "--json")
		require.NoError(t, err)
		assert.Contains(t, stdout, `"wooden_fish_skin": "rosewood"`)

		stdout, _, err = env.RunCtl("settings", "set", "opacity", "0.8")
		require.NoError(t, err)
		assert.Contains(t, stdout, "opacity:              0.80")

		_, stderr, err := env.RunCtl("settings", "set", "no_such_key", "1")
		require.Error(t, err)
		assert.Contains(t, stderr, "unknown setting")
	})

	t.Run("meritctl_listening_status", func(t *testing.T) {
		stdout, _, err := env.RunCtl("listening")
		require.NoError(t, err)
		assert.Equal(t, "listening: true\n", stdout)
	})

	t.Run("meritctl_days_live", func(t *testing.T) {
		stdout, _, err := env.RunCtl("days", "-n", "3")
		require.NoError(t, err)
		assert.Contains(t, stdout, "DATE")
	})

	t.Run("meritctl_clear_requires_yes", func(t *testing.T) {
		_, stderr, err := env.RunCtl("clear", "history")
		require.Error(t, err)
		assert.Contains(t, stderr, "--yes")
	})

	env.StopDaemon()

	t.Run("archive_fallback_after_shutdown", func(t *testing.T) {
		stdout, stderr, err := env.RunCtl("days", "-n", "3")
		require.NoError(t, err)
		assert.Contains(t, stderr, "reading the day archive directly")
		assert.Contains(t, stdout, "DATE")
	})

	t.Run("daemon_only_commands_report_not_running", func(t *testing.T) {
		_, stderr, err := env.RunCtl("stats")
		require.Error(t, err)
		assert.Contains(t, stderr, "daemon is not running")

		_, stderr, err = env.RunDaemonCmd("status", "-config", env.ConfigPath)
		require.Error(t, err)
		assert.Contains(t, stderr, "meritd is not running")
	})
}
