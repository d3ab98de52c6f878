// Package milter implements the milter wire protocol as a sans-I/O codec and
// session state machine: encoding and decoding every message an MTA and a
// mail filter exchange, and tracking which messages are legal to send or
// receive at each point in a session.
//
// Nothing in this package opens a socket, spawns a goroutine, or runs a
// timer. Callers own the connection; they read bytes into a Decoder, get
// Messages out, feed those Messages into a Session to check legality and
// collect attached macros, and hand Messages they want to send to an
// Encoder. See Decoder, Encoder, and Session.
//
// # Tag table
//
// Every message's wire tag is defined by this package's own normative tag
// table, not by any one MTA's header files. The one place this matters to a
// caller: EnvelopeFrom (the MAIL FROM event) claims tag 'K'. QuitNewConnection
// exists as a named type for completeness but has no wire tag of its own;
// Encode rejects it and Decode never produces it.
package milter
