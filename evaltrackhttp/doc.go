// Package evaltrackhttp provides the HTTP side of trace delivery.
//
// Specifically, it provides a client that implements [evaltrack.Sink] by
// talking to a remote trace store, and a server that is such a trace store.
// Both speak the same small wire contract: traces are submitted by POST to
// /traces as JSON objects, and fetched by GET from /traces as a JSON array.
// The server adds a few routes on top: /health, /traces/{id}, a server-sent
// event stream of new traces at /traces/stream, and Prometheus metrics at
// /metrics. A server may also require a shared secret key, which clients send
// in the x-eval-tracker-secret-key header.
package evaltrackhttp
