//go:build !tsnet

package cmd

import (
	"errors"
	"net"

	"github.com/nextlevelbuilder/clawworker/internal/config"
)

func listenTailnet(tc config.TailscaleConfig) (net.Listener, func(), error) {
	if tc.Hostname != "" {
		return nil, nil, errors.New("gateway.tailscale is set but this binary was built without -tags tsnet")
	}
	return nil, nil, nil
}
