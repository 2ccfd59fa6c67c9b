/*
Package wire defines the typed block, header and sync message values that
flow between peers and the synchronization engine.

Encoding and decoding of these values is owned by the transport layer. The
types here are what remains once a message has been decoded: plain structs
that satisfy the Message interface so they can be dispatched on their
command string.
*/
package wire
