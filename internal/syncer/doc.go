// Package syncer pushes locally captured changes to peers.
//
// A round reads the oldest pending entries, asks the directory for live
// peers, and sends every peer the pending entries it has not acknowledged
// yet, bounded by entry count and encoded size. Sends run concurrently with
// their own timeouts; one peer failing or hanging does not affect the
// others. Acknowledgements are recorded per (entry, peer). Every peer that
// has appeared in the directory is remembered, and an entry is marked synced
// only once all of them hold it, so a peer whose registration lapsed while it
// was down still receives what it missed. A node that has never seen a peer
// marks pending entries synced directly.
//
// Rounds are single-flight per Engine: the periodic ticker, the eager
// trigger fired by local writes, and manual Trigger calls share one flag,
// and a trigger arriving while a round runs is a no-op. Shutting down stops
// scheduling new rounds; a round in flight is not cancelled.
package syncer
