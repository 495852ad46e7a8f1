// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"

	"github.com/blocknetdx/xbridge-go/dex"
	"github.com/decred/slog"
)

func newLoggerMaker(levelName string) (*dex.LoggerMaker, error) {
	level, ok := slog.LevelFromString(levelName)
	if !ok {
		return nil, fmt.Errorf("unknown log level %q", levelName)
	}
	backend := slog.NewBackend(os.Stdout)
	return &dex.LoggerMaker{Backend: backend, DefaultLevel: level, Levels: make(map[string]slog.Level)}, nil
}
