// Package client is the Go client for the sandboxd lease gateway.
//
// It mirrors the REST surface one to one: each method maps to a single
// endpoint, gateway error envelopes come back as *Error values carrying
// the machine-readable kind, and Watch attaches to the WebSocket
// lifecycle stream. sboxctl is the primary consumer.
package client
