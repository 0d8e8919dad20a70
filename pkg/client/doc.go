/*
Package client is the Go client for the dispatch gRPC API.

It dials the service with the JSON content subtype registered by package
api, so no generated stubs are involved. Every unary call is bounded by a
ten second deadline, except synchronous submissions which wait for the
requested timeout plus that margin.

Errors come back as the same sentinels the coordinator uses where one
exists, so callers can test them with errors.Is:

	st, err := c.Status(id)
	if errors.Is(err, types.ErrNotFound) {
		...
	}

Rejections carry the reasons in the message and match ErrRejected.

Addresses starting with "/" dial the Unix socket, which serves read
methods only; mutating calls through it fail with ErrReadOnly.
*/
package client
