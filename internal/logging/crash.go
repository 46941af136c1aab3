package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// crashDump is what lands on disk when a guarded goroutine panics.
type crashDump struct {
	Time       time.Time `json:"time"`
	Version    string    `json:"version"`
	GoVersion  string    `json:"go_version"`
	OS         string    `json:"os"`
	Arch       string    `json:"arch"`
	Goroutines int       `json:"goroutines"`
	Component  string    `json:"component"`
	Panic      string    `json:"panic"`
	Stack      string    `json:"stack"`
}

var crashInfo struct {
	mu      sync.Mutex
	dir     string
	version string
}

// SetCrashInfo points crash dumps at dir and stamps them with version.
// Without it, CrashGuard still logs the panic but writes no dump.
func SetCrashInfo(dir, version string) {
	crashInfo.mu.Lock()
	defer crashInfo.mu.Unlock()
	crashInfo.dir = dir
	crashInfo.version = version
}

// CrashGuard is deferred at the top of long-lived goroutines. On panic
// it logs the failure, writes a JSON dump, and re-panics so the
// process still dies loudly.
//
//	go func() {
//		defer logging.CrashGuard("event bridge")
//		...
//	}()
func CrashGuard(component string) {
	r := recover()
	if r == nil {
		return
	}
	stack := debug.Stack()
	Error("panic", "component", component, "panic", fmt.Sprint(r))
	if path, err := writeCrashDump(component, r, stack); err == nil && path != "" {
		fmt.Fprintf(os.Stderr, "crash dump written to %s\n", path)
	}
	panic(r)
}

func writeCrashDump(component string, panicValue any, stack []byte) (string, error) {
	crashInfo.mu.Lock()
	dir, version := crashInfo.dir, crashInfo.version
	crashInfo.mu.Unlock()
	if dir == "" {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	dump := crashDump{
		Time:       time.Now().UTC(),
		Version:    version,
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		Goroutines: runtime.NumGoroutine(),
		Component:  component,
		Panic:      fmt.Sprint(panicValue),
		Stack:      string(stack),
	}
	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "crash-"+dump.Time.Format("20060102T150405.000000000")+".json")
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", err
	}
	return path, nil
}
