// Package main is the entry point for the sshp binary.
//
// sshp starts, stops and restarts SSH dynamic proxies (ssh -D) and keeps them
// alive with a detached probe loop.
//
// Usage:
//
//	sshp dynamic_proxy -t start   # open the simple proxy from ~/.config/sshp.toml
//	sshp m stop                   # stop the multi-hop proxy and its probe loop
//	sshp status                   # show both tunnels
package main

import (
	"errors"
	"os"

	"github.com/treykane/sshp/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, cli.ErrReported) {
			cli.PrintError(os.Stderr, err)
		}
		os.Exit(1)
	}
}
