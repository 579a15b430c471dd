// Package cli provides the command-line interface for faultd.
//
// Commands:
//   - serve: Run the fault injection proxy and its admin API
//   - validate: Check a configuration file without starting anything
//   - runtime: List, set and clear runtime overrides on a running instance
//   - stats: Show per-route fault counters of a running instance
//   - health: Check that the admin API is reachable
//   - version: Show the faultd version
//
// Commands that talk to a running instance use the admin API at
// --admin-url. Every command accepts --json for machine readable output.
package cli
