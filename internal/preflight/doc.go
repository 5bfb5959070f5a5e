// Package preflight provides readiness checks for the filesystem paths,
// persistence backend, and agent gateway that the crew daemon depends on.
//
// These checks run in two contexts:
//   - The daemon calls RunAll and CheckStore before accepting triggers and
//     logs every failure with an operator hint.
//   - The CLI "crew doctor" command runs the same checks without a daemon
//     and prints the results as a table.
package preflight
