package main

import (
	"log/slog"

	"github.com/BioHazard786/warprelay/cmd"
	"github.com/BioHazard786/warprelay/internal/logging"
)

func main() {
	// Client commands only log errors unless LOG_LEVEL says otherwise;
	// serve re-initializes at info.
	logging.Init(slog.LevelError)
	cmd.Execute()
}
