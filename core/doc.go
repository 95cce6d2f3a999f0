// Package core contains the channel connection domain: the connection
// aggregate and its state machine, repository and provider contracts, and the
// pairing and OAuth2 orchestrators. Storage, transport and provider adapters
// depend on this package; core must not depend on them.
package core
