// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"
)

var defaultAppDataDir = appDataDir("xbridged")

// flagsData is the full set of command-line options: go-flags parses into
// this, then loadConfig turns it into the values mainCore actually wires up.
type flagsData struct {
	ConfigFile      string `short:"C" long:"configfile" description:"Path to xbridge.conf" default:"xbridge.conf"`
	AppDataDir      string `long:"appdata" description:"Directory for the order archive and node registry snapshot"`
	LogLevel        string `long:"loglevel" description:"Logging level: trace, debug, info, warn, error, critical" default:"info"`
	RPCThreads      int    `long:"rpcthreads" description:"Maximum concurrent wallet RPC probes during a registry refresh" default:"4"`
	PoolSize        int    `long:"poolsize" description:"Maximum concurrent scheduler tasks per tick" default:"8"`
	NodeList        string `long:"nodelist" description:"Path to the service node registry snapshot (JSON)"`
	ServiceNode     bool   `long:"servicenode" description:"Run the refund watchdog; only meaningful for an active service node"`
	ProtocolVersion uint32 `long:"protocolversion" description:"This node's swap protocol version" default:"1"`
}

// xbridgedConf is what loadConfig hands to mainCore: flagsData plus
// whatever it derived from the environment (default paths).
type xbridgedConf struct {
	flags *flagsData

	dataDir string
	nodeListPath string
}

func loadConfig() (*xbridgedConf, error) {
	cfg := &flagsData{}
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	dataDir := cfg.AppDataDir
	if dataDir == "" {
		dataDir = defaultAppDataDir
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating app data dir %s: %w", dataDir, err)
	}

	nodeListPath := cfg.NodeList
	if nodeListPath == "" {
		nodeListPath = filepath.Join(dataDir, "nodes.json")
	}

	return &xbridgedConf{flags: cfg, dataDir: dataDir, nodeListPath: nodeListPath}, nil
}

func appDataDir(appName string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".", appName)
	}
	return filepath.Join(home, "."+appName)
}
