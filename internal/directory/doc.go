// Package directory tracks which nodes are alive and where they listen.
//
// The Client speaks to a directory service over HTTP:
//
//	GET  /services          -> [{"id": ..., "url": ...}]
//	POST /register-service  {"serviceName": nodeID, "serviceUrl": url}
//	POST /heartbeat         {"serviceName": nodeID, "serviceUrl": url}
//
// Server is a small in-memory implementation of that service where
// registrations expire unless refreshed by heartbeats.
//
// Announcer keeps the local node registered: it acquires a public address
// through a pluggable AddressResolver (retrying forever), registers, then
// heartbeats on a fixed interval and re-registers as soon as the address
// changes.
package directory
