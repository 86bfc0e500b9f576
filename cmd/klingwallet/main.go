// Package main provides klingwallet, the command-line front end of the
// wallet core.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/klingon-exchange/klingon-wallet/internal/walleterr"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", errorText(err))
		os.Exit(1)
	}
}

// errorText shows wallet errors through their user-facing text and
// everything else (flag and usage errors) as is.
func errorText(err error) string {
	var we *walleterr.Error
	if errors.As(err, &we) {
		return walleterr.UserMessage(err)
	}
	return err.Error()
}
