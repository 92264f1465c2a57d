// Package cli implements the scriptbridge command-line interface.
//
// Commands:
//   - serve: run the embedded HTTP server whose requests are answered by the
//     script loop from configured routes
//   - fetch: fetch URLs through the reply tracker and print lifecycle events
//   - version: print build information
package cli
