// Package cmd implements the command-line interface for the dMeta distributed
// metadata store. It provides a hierarchical command structure with operations
// for running a node and interacting with the cluster as a client.
//
// The package is organized into several subpackages:
//
//   - meta: Commands for metadata operations (get, set, del, incr, ...) and
//     cluster membership (nodes, join, leave, metrics)
//   - serve: Commands for starting and configuring a dMeta node
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dmeta -help for a list of all commands.
package cmd
