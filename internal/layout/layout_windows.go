//go:build windows

package layout

// On Windows the control and RPC endpoints are named pipes, per
// spec.md §4.7/§6. The path returned by ControlSocketPath/RpcSocketPath
// is used only to derive the pipe name; the bridge/rpcserver packages
// translate it to \\.\pipe\... when dialing or listening.
const (
	controlSocketName = "control.pipe"
	rpcSocketName     = "rpc.pipe"
)
