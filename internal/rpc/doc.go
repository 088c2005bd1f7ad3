// Package rpc is the remote surface of a board host.
//
// Commands arrive either as HTTP calls, POST /rpc/{method} with the
// parameters as the JSON body, or as invocation frames on the /hub
// websocket. Both paths share one method table, so a method behaves the
// same whichever way it is called. Events from the controller are pushed
// to every hub client as event frames, independent of any request.
//
// Failures carry a code that tells a caller whether to retry later (busy),
// fix the device (device_not_ready) or wait for the host (system_not_ready):
//
//	{"error": {"code": "busy", "message": "host: another command is in progress"}}
//
// Client is the HTTP client the supervisor uses to renew leases.
package rpc
