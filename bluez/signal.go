//go:build linux

package bluez

import (
	dbus "github.com/godbus/dbus/v5"
)

const signalBufferSize = 64

// subscription delivers the bus signals matching its rules. The channel is
// closed by godbus when the bus connection terminates.
type subscription struct {
	conn    *dbus.Conn
	ch      chan *dbus.Signal
	matches [][]dbus.MatchOption
}

func signalMatch(iface, member string) []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchInterface(iface),
		dbus.WithMatchMember(member),
	}
}

func (a *adapter) subscribe(matches ...[]dbus.MatchOption) (*subscription, error) {
	sub := &subscription{conn: a.conn, ch: make(chan *dbus.Signal, signalBufferSize)}

	for _, m := range matches {
		if err := a.conn.AddMatchSignal(m...); err != nil {
			sub.close()
			return nil, callError("AddMatchSignal", err)
		}
		sub.matches = append(sub.matches, m)
	}
	a.conn.Signal(sub.ch)

	return sub, nil
}

func (s *subscription) close() {
	s.conn.RemoveSignal(s.ch)
	for _, m := range s.matches {
		_ = s.conn.RemoveMatchSignal(m...)
	}
}

// propertiesChanged decodes a PropertiesChanged signal.
func propertiesChanged(sig *dbus.Signal) (iface string, changed map[string]dbus.Variant, ok bool) {
	if sig.Name != propertiesChangedSignal || len(sig.Body) < 2 {
		return "", nil, false
	}

	iface, _ = sig.Body[0].(string)
	changed, _ = sig.Body[1].(map[string]dbus.Variant)

	return iface, changed, iface != "" && changed != nil
}

// interfacesAdded decodes an InterfacesAdded signal.
func interfacesAdded(sig *dbus.Signal) (path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant, ok bool) {
	if sig.Name != interfacesAddedSignal || len(sig.Body) < 2 {
		return "", nil, false
	}

	path, _ = sig.Body[0].(dbus.ObjectPath)
	ifaces, _ = sig.Body[1].(map[string]map[string]dbus.Variant)

	return path, ifaces, path != "" && ifaces != nil
}
