// Package main implements rtmprelay-configure, an interactive terminal
// wizard for authoring and inspecting an rtmprelay configuration file
// without hand-editing YAML.
//
// Usage:
//
//	rtmprelay-configure [options]
//
// Options:
//
//	--config=PATH  Path to configuration file (default: /etc/rtmprelay/config.yaml)
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/relaydaemon/rtmprelay/internal/configure"
)

var configPath = flag.String("config", "/etc/rtmprelay/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	menu := configure.CreateMainMenu(*configPath)
	if err := menu.Display(); err != nil {
		fmt.Fprintf(os.Stderr, "rtmprelay-configure: %v\n", err)
		os.Exit(1)
	}
}
