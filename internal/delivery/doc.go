// Package delivery sends outbound messages through the transport adapter.
//
// Two paths share one rate limiter:
//   - Send: synchronous, single attempt, used by the dispatch loop (which
//     owns retry via its tick).
//   - Announce: asynchronous queue + workers + retry + dedup, used for
//     routine announcements and other fire-and-forget posts.
package delivery
