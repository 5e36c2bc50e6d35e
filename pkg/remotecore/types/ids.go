// Package types holds the wire and data-model structures shared by every
// layer of the remote messaging core: peer/remote identities, the
// RemoteCommand wire frame, and the configuration surface.
package types

// PeerId is the durable cryptographic identity of a kernel. Equality and
// ordering are string-based; the canonical string form is whatever the
// identity codec (see package capurl) produces.
type PeerId string

// IncarnationId is assigned fresh each time a kernel process starts, used
// by the handshake to detect peer restarts even when PeerId is unchanged.
type IncarnationId string

// RemoteId is the local, kernel-internal handle for a specific remote
// relationship. It is distinct from PeerId to allow multiple logical
// relationships with the same peer and to key persisted state.
type RemoteId string

// KRef is a kernel-local reference string.
type KRef string

// ERef is an endpoint-local reference string; it is what appears on the
// wire. Translation between KRef and ERef is scoped to a RemoteId and is
// provided by the KernelStore collaborator (see package kernelapi).
type ERef string
