// Package iolisten constructs the local-socket listeners ControlListener
// and RpcListener bind to, hiding the Unix-domain-socket-vs-named-pipe
// split layout already makes explicit for socket naming
// (layout_unix.go/layout_windows.go).
package iolisten

import "net"

// Listen opens a local IPC listener at path: a Unix-domain socket on
// platforms that have one, a named pipe derived from path on Windows. A
// stale socket/pipe left behind by a daemon that died without cleaning up
// is removed first; a live one causes Listen to fail rather than steal
// the endpoint out from under a running daemon.
func Listen(path string) (net.Listener, error) {
	return listen(path)
}
