// Command manifestctl inspects and repairs a bucket's image manifest.
package main

import (
	"fmt"
	"io"
	"os"
)

var version = "dev"

var stdout io.Writer = os.Stdout

var commands = map[string]func([]string) error{
	"validate": runValidate,
	"show":     runShow,
	"add":      runAdd,
	"rebuild":  runRebuild,
	"check":    runCheck,
}

func usage() {
	fmt.Fprintf(os.Stderr, `manifestctl - image manifest tool (version %s)

Usage:
  manifestctl <command> [options]

Commands:
  validate   Validate a configuration file and the environment
  show       Print the stored manifest
  add        Record objects as if they had just been uploaded
  rebuild    Reconcile the manifest with the bucket contents
  check      Verify credentials and access to the manifest location

Every command accepts -config <file>; settings may also come from
IMAGEMANIFEST_* environment variables.

Run 'manifestctl <command> -h' for command-specific help.
`, version)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		usage()
		os.Exit(0)
	}
	if cmd == "-v" || cmd == "--version" || cmd == "version" {
		fmt.Println(version)
		os.Exit(0)
	}

	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if err := fn(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
