//go:build linux

package activeapp

import (
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

// GNOME Shell Introspect D-Bus constants
const (
	introspectService   = "org.gnome.Shell"
	introspectPath      = "/org/gnome/Shell/Introspect"
	introspectGetWindow = "org.gnome.Shell.Introspect.GetWindows"
)

// gnomeQuerier reads the focused window's wm-class from GNOME Shell's
// Introspect interface over the session bus. Window titles are left
// alone deliberately; the application class is all attribution needs.
// On desktops without the interface every query degrades to nil.
type gnomeQuerier struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

func newPlatformQuerier() frontmostQuerier {
	return &gnomeQuerier{}
}

func (g *gnomeQuerier) bus() *dbus.Conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn != nil {
		return g.conn
	}
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil
	}
	g.conn = conn
	return conn
}

// dropBus discards a connection after a failed call so the next query
// reconnects.
func (g *gnomeQuerier) dropBus(conn *dbus.Conn) {
	g.mu.Lock()
	if g.conn == conn {
		g.conn = nil
	}
	g.mu.Unlock()
	_ = conn.Close()
}

func (g *gnomeQuerier) queryFrontmost() *Context {
	conn := g.bus()
	if conn == nil {
		return nil
	}

	var windows map[uint64]map[string]dbus.Variant
	obj := conn.Object(introspectService, introspectPath)
	if err := obj.Call(introspectGetWindow, 0).Store(&windows); err != nil {
		g.dropBus(conn)
		return nil
	}

	for _, props := range windows {
		focus, ok := props["has-focus"]
		if !ok {
			continue
		}
		if focused, ok := focus.Value().(bool); !ok || !focused {
			continue
		}

		var class string
		if v, ok := props["wm-class"]; ok {
			class, _ = v.Value().(string)
		}
		class = strings.TrimSpace(class)
		if class == "" {
			return nil
		}
		name := class
		return &Context{ID: class, Name: &name}
	}
	return nil
}
