// Package executor defines the boundary between the coordinator and the code
// that performs a task, and the registry resolving a work item kind to its
// executor.
package executor
