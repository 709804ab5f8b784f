//go:build !windows

package layout

// On Unix-like platforms the control and RPC endpoints are Unix-domain
// sockets, per spec.md §4.7/§6.
const (
	controlSocketName = "control.sock"
	rpcSocketName     = "rpc.sock"
)
