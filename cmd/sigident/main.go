// Command sigident verifies PDF signatures and reports signer identities.
//
// Usage:
//
//	sigident <command> [flags] <args>
//
// Commands:
//
//	verify      Verify the digital signature(s) of a PDF file
//	verify-cms  Verify a detached CMS signature over a content file
//	serve       Serve the verification HTTP API
//	version     Show version information
//
// Examples:
//
//	sigident verify document.pdf
//	sigident verify --json document.pdf
//	sigident serve --config sigident.yaml
package main

import (
	"os"

	"github.com/georgepadayatti/sigident/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/sigident
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime

	cli.Run(os.Args)
}
