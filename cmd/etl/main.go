package main

import (
	"fmt"
	"io"
	"os"

	"songetl/internal/config"

	// register all backends with the storage factory.
	// config picks one at run time but every driver is built in.
	_ "songetl/internal/storage/all"
)

// main loads the configuration from .env, the environment and flags, then
// runs the catalog phase followed by the log phase. It exits 1 when the
// configuration is invalid or any file fails to load.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fatalf("config: %v", err)
	}
	os.Exit(execute(cfg, os.Stderr))
}

// execute validates cfg and, unless only validation was requested, performs
// the run. It returns the process exit code.
func execute(cfg *config.Config, stderr io.Writer) int {
	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		fmt.Fprintln(stderr, "configuration is invalid")
		return 1
	}
	if cfg.ValidateOnly {
		fmt.Fprintln(stderr, "configuration is valid")
		return 0
	}

	if err := runETL(cfg); err != nil {
		fmt.Fprintf(stderr, "etl: %v\n", err)
		return 1
	}
	return 0
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
