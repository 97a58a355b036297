// Package core holds the deadline notification domain: transfers, notification
// attempts, collaborator contracts, configuration and error codes. Adapters
// depend on this package; core never depends on storage or transport adapters.
package core
