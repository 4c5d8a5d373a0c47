// Package manager provides the machine.Manager implementations.
//
// Three backends cover the deployment spectrum. InMemory keeps the registry
// and all lock state in process memory and suits tests and single-process
// embedding. Redis keeps lock state in a shared Redis so managers in many
// processes contend for the same machines, with a session bus waking blocked
// waiters. SQLite persists the registry and sessions in a local database
// file so processes on one host coordinate through the filesystem.
//
// Session TTLs behave differently per backend. For Redis and SQLite the TTL
// is a liveness lease: a held session renews itself at half the TTL, and
// only sessions whose process died stop renewing and lapse. For InMemory a
// crashed process takes the whole registry with it, so the TTL is instead a
// hard cap that force-releases a session abandoned without Unlock.
package manager
