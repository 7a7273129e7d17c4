// Package notifier delivers owner and contact notices asynchronously.
//
// Notices go through a bounded queue, a token-bucket rate limit and a retry
// loop with jittered backoff. Notices carrying a DedupKey are suppressed for
// a window, optionally persisted in storage so restarts do not repeat them.
// The queue is sharded by chat, one shard per worker, so notices reach a
// chat in the order they were enqueued whatever the worker count.
//
// When the pipeline is disabled, Notify sends inline on the caller's goroutine.
package notifier
