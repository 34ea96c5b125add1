// Package dedupe drops platform events that are delivered more than once.
//
// Matrix sync can replay events after a reconnect. The router marks every
// message ID in a Window and ignores IDs it has seen within the TTL.
package dedupe
