// Package heartbeat tracks worker liveness. Workers report heartbeats; a
// periodic sweep declares offline every worker silent for longer than the
// worker timeout and hands it to the offline callback for task recovery.
package heartbeat
