/*
Package storage provides BoltDB-backed persistence for supervisor state.

The store holds exactly two kinds of data: the current anti-slashing
record (always ciphertext, see pkg/backup) and small supervisor metadata
values. Decrypted working copies of validator state live only under the
memory-backed runtime directory and never pass through this package.

The version-regression guard lives inside the SaveRecord transaction:
a record with a version not strictly greater than the stored one is
rejected atomically, so no interleaving of restore and export paths can
roll safety state backwards.
*/
package storage
