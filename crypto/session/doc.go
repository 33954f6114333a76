// Package session implements the cryptographic session engine behind the
// dispatch core: X3DH key agreement for session establishment and the
// Double Ratchet for per-message key derivation, with AES-256-GCM for
// payload confidentiality. The wire format for ratchet headers and
// serialized sessions is private to this module; it carries no stanza or
// transport framing of its own.
package session
