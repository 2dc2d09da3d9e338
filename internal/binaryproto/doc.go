// Package binaryproto defines the wire layout of the memcached binary
// protocol's 24-byte request/response header. It is a header-only stub:
// there is no Dispatch function, no connection loop, and no opcode
// handler anywhere in this package.
//
// Grounded on original_source/src/binary.cc's request_header/
// response_header structs and its Binary::loop state machine, whose
// every case is an unconditional assert(0) — the source defines the
// header layout but never implements a single opcode, and the intended
// behavior behind each state was never written down anywhere in it.
// spec.md's own open questions note that these placeholders' semantics
// were never pinned, so this package is left exactly where the source
// left it: the shape of the wire format, and no dispatcher.
// internal/server does not wire this package in; only internal/session's
// text protocol is served.
package binaryproto
