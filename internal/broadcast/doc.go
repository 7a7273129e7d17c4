// Package broadcast is the availability engine: it ranks an owner's
// contacts, sends paced invites one at a time, and resolves the first
// confirmation exactly once.
//
// Every mutation of an owner's open invites or contact statistics runs under
// that owner's lock (see ownerLocks). Sessions check their context under the
// same lock before each side effect, so a stopped or superseded session
// cannot send or record anything after the canceller released the lock.
package broadcast
