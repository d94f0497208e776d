// Package store implements the shared key/value store the coordination layer runs on.
//
// A [Hub] owns the data, the revision counter, the subscription registry and the
// disconnect hooks of every connected [Session]. Each session is one client connection:
// it satisfies [Client], and closing it fires the disconnect operations it armed, the same
// way a hosted realtime database reacts to a dropped socket.
//
// Paths are slash separated ("documents/doc-1/transform-locks/rect-7"). Writes address a
// single key; [Client.Children] reads the keys exactly one segment below a path;
// subscriptions receive events for the subscribed path and all of its descendants.
package store
