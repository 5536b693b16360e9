/*
Package gateway implements the credential-and-dispatch engine of llmgate:
the encrypted provider key store, the in-memory decrypted key cache with
round-robin rotation, the bounded client pool, the retrying HTTP executor
with call-log emission, and the dispatcher that routes unified chat
requests across provider adapters with defaults and fallback.

A dispatched request borrows a pool slot, which pulls the next rotated key
from the cache, whose invariants are maintained by the key store. The
pieces are assembled by Core; each is also usable on its own.
*/
package gateway
