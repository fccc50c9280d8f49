//go:build ignore

package main

import (
	"compress/gzip"
	"log"
	"os"

	"github.com/bpineau/gitbound/cmd"
	"github.com/spf13/cobra/doc"
)

func main() {
	header := &doc.GenManHeader{
		Title:   "GITBOUND",
		Section: "1",
		Source:  "gitbound",
	}

	f, err := os.Create("gitbound.1.gz")
	if err != nil {
		log.Fatal(err)
	}

	zw := gzip.NewWriter(f)

	if err = doc.GenMan(cmd.RootCmd, header, zw); err != nil {
		log.Fatal(err)
	}

	if err = zw.Flush(); err != nil {
		log.Fatal(err)
	}

	if err = zw.Close(); err != nil {
		log.Fatal(err)
	}

	if err = f.Close(); err != nil {
		log.Fatal(err)
	}
}
