// Arbiter is an LLM API gateway that scores upstream deployments on price,
// throughput, and latency, executes with streaming failover, and settles
// token costs against user wallets.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "configs/arbiter.yaml", "path to the YAML config")
		showVersion = flag.Bool("version", false, "print the version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("arbiter", version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
