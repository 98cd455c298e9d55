// Package notifier delivers task reminders to their owners.
//
// Notify is synchronous: the scheduler calls it once per fire attempt and
// records the returned error on the reminder job. Inside a call the service
// applies a shared send rate limit, retries transient transport failures with
// jittered exponential backoff and, when a dedup window is configured,
// drops a repeat of the same reminder sent moments ago.
//
// # Transport
//
// Delivery goes through a Sender (the Telegram adapter in production). The
// owner id of a task is the private chat id of its user.
//
// # History
//
// A small in-memory history of sent reminders is kept for /status and the
// HTTP API.
package notifier
