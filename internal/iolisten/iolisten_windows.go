//go:build windows

package iolisten

import (
	"fmt"
	"net"
	"path/filepath"

	winio "github.com/Microsoft/go-winio"
)

func listen(path string) (net.Listener, error) {
	pipeName := `\\.\pipe\` + filepath.Base(path)
	l, err := winio.ListenPipe(pipeName, nil)
	if err != nil {
		return nil, fmt.Errorf("listening on pipe %s: %w", pipeName, err)
	}
	return l, nil
}
