/*
Package manifest reads itinerary files for dispatch apply.

An itinerary lists work items submitted together as one group. YAML:

	name: nightly-sync
	defaults:
	  kind: sleep
	  tags: [nightly]
	items:
	  - id: sync
	    args: {duration: 2s}
	    resources: ["repository:zoo:update"]
	  - id: publish
	    kind: noop
	    resources: ["repository:zoo:read", "repository_distributor:zoo-web:update"]
	    dependencies: [sync]

The same itinerary in TOML uses [defaults] and [[items]] tables.
*/
package manifest
