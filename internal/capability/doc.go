// Package capability implements the local handlers invoked in response
// to remote-initiated control requests: the tool-permission gate, the
// lifecycle hook dispatcher, and the bridge into embedded tool servers.
package capability
