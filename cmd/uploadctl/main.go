// Command uploadctl is a small local-file driver for the upload
// engine: the Go stand-in for a browser host, since there is no
// browser UI in scope here. It uploads files through UploadManager
// against the in-memory reference adapter and prints progress to
// stderr, grounded on the teacher's cmd/restic/main.go root-command
// shape (SilenceErrors/SilenceUsage, automaxprocs.Set in init).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
)

func init() {
	_, _ = maxprocs.Set()
}

var cmdRoot = &cobra.Command{
	Use:               "uploadctl",
	Short:             "Drive the upload engine against local files",
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
}

func main() {
	cmdRoot.AddCommand(cmdUpload)
	if err := cmdRoot.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "uploadctl: %v\n", err)
		os.Exit(1)
	}
}
