package main

import (
	"fmt"
	"os"

	"github.com/sheerbytes/cloudxfer/internal/cli/download"
	"github.com/sheerbytes/cloudxfer/internal/cli/upload"
)

const version = "v0.1.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		return
	}
	if hasVersionFlag(args[:1]) {
		fmt.Fprintf(os.Stdout, "cloudxfer %s\n", version)
		return
	}

	switch cmdName := args[0]; cmdName {
	case "get":
		download.Run(args[1:])
	case "put":
		upload.Run(args[1:])
	default:
		if hasHelpFlag(args) {
			printUsage()
			return
		}
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmdName)
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: cloudxfer <command> [args]")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  get  download and decrypt a stored file")
	fmt.Fprintln(os.Stderr, "  put  encrypt and upload a local file")
	fmt.Fprintln(os.Stderr, "quick examples:")
	fmt.Fprintln(os.Stderr, "  cloudxfer get -url URL -file-key KEY -size N -o ./out.bin")
	fmt.Fprintln(os.Stderr, "  cloudxfer put -url URL ./in.bin")
	fmt.Fprintln(os.Stderr, "to learn detailed usage:")
	fmt.Fprintln(os.Stderr, "  cloudxfer get --help")
	fmt.Fprintln(os.Stderr, "  cloudxfer put --help")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
