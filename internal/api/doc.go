// Package api implements the local control-plane protocol: a Unix
// socket accepting framed JSON requests from front-ends, an endpoint
// router, and the status subscription engine that pushes periodic
// object snapshots back to subscribed clients.
//
// Every message on the wire is UTF-8 JSON followed by a single 0x03
// terminator byte. All connection state lives on the host reactor's
// goroutine; nothing here blocks and nothing takes locks.
package api
