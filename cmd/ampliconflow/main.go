// Command ampliconflow runs the paired-end amplicon workflow as a resumable
// staged pipeline and serves its run history over HTTP.
package main

import (
	"context"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
