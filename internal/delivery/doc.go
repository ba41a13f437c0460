// Package delivery implements the periodic dispatch cycle: it pulls posts and
// recipients, decides per recipient whether the local time falls in their
// delivery window, and pushes new posts with their media.
//
// Long-lived state is limited to the Ledger. Everything else (posts,
// recipients, downloaded media) belongs to a single cycle.
package delivery
