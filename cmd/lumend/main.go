// Lumend is the background worker of the Lumen desktop assistant. It
// speaks newline-delimited JSON with the host UI over stdin/stdout and
// keeps everything local: models, history, memory.
package main

import (
	"flag"
	"fmt"
	"os"

	worker "github.com/lumenai/lumen-worker/internal"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(worker.AppName, worker.AppVersion)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
