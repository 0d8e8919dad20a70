// Package reservation implements conflict detection between resource maps
// and the table of reservations held by admitted tasks.
package reservation
