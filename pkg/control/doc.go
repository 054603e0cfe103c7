// Package control implements the operator-facing command protocol.
//
// The protocol is newline-delimited JSON: each request carries an id,
// a command name, optional args, and an optional session token; each
// response echoes the id with a status, a result payload, or an error
// string. The daemon serves it on a local unix socket (mode 0600,
// parent directory 0700) for same-host tooling and on the
// reverse-forwarded listeners that each relay tunnel publishes.
//
// Local socket connections are implicitly trusted: filesystem
// permissions are the access control, and every command is allowed.
// Tunnel connections must authenticate first. The client requests a
// random challenge, answers with a keyed blake2b-256 MAC computed from
// its per-user key, and receives a session token valid for thirty
// minutes. Read-only commands (status, list-tunnels) work without a
// session; everything that mutates daemon state requires one, and
// shutdown-host additionally requires the user to be listed as a
// control admin. A failed authentication raises a security alert and
// closes the connection.
//
// Mutating commands are serialized through a single dispatcher
// goroutine, so concurrent operator sessions cannot interleave
// lifecycle operations; read-only queries answer from snapshots and
// bypass the serializer. The Server side is transport and policy only;
// the daemon plugs in behavior through the Target interface. Client
// wraps the same wire format for the CLI.
package control
