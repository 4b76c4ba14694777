// Package commands defines the bb84 CLI.
//
// Commands
//
//   - run            Run one or more simulated key exchanges
//   - records        List stored session records
//   - show           Print one stored session record
//
// The root command loads the TOML configuration (or a built-in default) and
// the logging backend before any subcommand runs. Flags given to run
// override the [Session] block.
package commands
