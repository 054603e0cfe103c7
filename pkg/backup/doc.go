/*
Package backup owns the anti-slashing record: the encrypted archive of
validator safety state that must survive restarts and host failures.

# Record lifecycle

On every exit of the validator the supervisor hands the data directory
to Export, which packs it (tar+gzip), seals it under AES-256-GCM with a
key derived from the operator's root key, verifies the seal, and
persists it with the next version number. Versions count successful
exports; wall clocks are untrusted for ordering. The store rejects any
write that does not strictly increase the version.

Before every start, Import decrypts the current record and unpacks it
into the memory-backed working directory. A missing record is a no-op
(first-ever run); a corrupt record refuses the start outright.

# Replication

Sealed records are replicated opportunistically to every relay host
over the tunnel manager's SFTP transport. An unreachable target is
marked pending and retried when its tunnel reconnects; replication
never blocks an export or the supervisor. Restoring from a remote
replica is always an explicit operator action (FetchRemote), never
automatic, and a replica older than the local record is rejected.

Only ciphertext ever touches durable storage or leaves the host. The
encryption key exists only in process memory.
*/
package backup
