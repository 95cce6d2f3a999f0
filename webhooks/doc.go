// Package webhooks verifies and applies inbound provider callbacks.
//
// Cloud deliveries are signed with X-Hub-Signature-256 over the raw body and
// are grouped into change units, one per entry change. Each unit is checked
// against the secret of the connection that owns its phone number and is
// either applied whole or rejected whole. Message, status and error events
// are claimed in the receipt ledger before counters move, so at-least-once
// delivery never double counts.
package webhooks
