// Package diagnostics reports on the host and on the engine's own setup.
//
// The package implements two components:
//
//   - SystemCollector: gathers CPU, memory, disk, load and GPU information for
//     `verdict doctor` and the /api/v1/system endpoint.
//
//   - Doctor: runs preflight checks (configuration, state store, roster file,
//     free disk) before an operator starts the server.
package diagnostics
