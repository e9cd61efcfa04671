//go:build tsnet

package cmd

import (
	"net"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/clawworker/internal/config"
)

// listenTailnet joins the tailnet as tc.Hostname and returns a listener on
// :443 (TLS) or :80. A nil listener with nil error means not configured.
func listenTailnet(tc config.TailscaleConfig) (net.Listener, func(), error) {
	if tc.Hostname == "" {
		return nil, nil, nil
	}
	node := &tsnet.Server{
		Hostname:  tc.Hostname,
		AuthKey:   tc.AuthKey,
		Ephemeral: tc.Ephemeral,
	}
	if tc.StateDir != "" {
		node.Dir = config.ExpandHome(tc.StateDir)
	}

	var ln net.Listener
	var err error
	if tc.EnableTLS {
		ln, err = node.ListenTLS("tcp", ":443")
	} else {
		ln, err = node.Listen("tcp", ":80")
	}
	if err != nil {
		node.Close()
		return nil, nil, err
	}
	return ln, func() {
		ln.Close()
		node.Close()
	}, nil
}
