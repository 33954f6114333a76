// Package dispatch implements the outgoing secure-message dispatch core: it
// discovers a recipient's devices, establishes or refreshes end-to-end
// encrypted sessions with each one, encrypts a padded payload per device,
// transmits the ciphertext bundle, and reconciles the local device set
// against the server's authoritative view when a 409 or 410 response
// disagrees with it.
package dispatch
