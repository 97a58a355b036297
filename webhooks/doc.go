// Package webhooks turns telephony provider callbacks into transfer and
// notification state changes.
//
// Decoding is a pure two-stage step (content-type decode, then a second pass
// over a nested form-encoded "body" field). Identity resolution and the
// reducer are independent so each can be tested on its own. Every mutation is
// monotonic: confirmations are conditional updates, attempt statuses only move
// forward by rank and metadata is merged key by key, so duplicate and
// reordered deliveries converge to the same state.
package webhooks
