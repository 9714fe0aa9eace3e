// Command server runs the companion gateway.
//
// Usage:
//
//	server [serve]                       run the HTTP and gRPC servers
//	server interpret -f sample.json      interpret feature samples offline
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
