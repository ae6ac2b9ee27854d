// Tool gokr-rsync is an rsync v30 client/server/daemon implementation.
package main

import (
	"context"
	"log"
	"os"

	"github.com/gokr-tools/grsync/internal/maincmd"
)

func main() {
	if _, err := maincmd.Main(context.Background(), os.Args, os.Stdin, os.Stdout, os.Stderr, nil); err != nil {
		log.Fatal(err)
	}
}
