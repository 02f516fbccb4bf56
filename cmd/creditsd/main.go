// Command creditsd serves the credit portal API and runs ledger and
// budget sync maintenance tasks.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "creditsd:", err)
		os.Exit(1)
	}
}
