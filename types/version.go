package types

// Version is the canonical project version.
// The CLI, the event protocol and the IPC contract share this version.
const Version = "0.1.0"
