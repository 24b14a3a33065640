// Package graphstore is the session system of record.
//
// Sessions, devices and users are nodes; OPENED_ON links a session to its
// device and BOUND_TO links it to a user. Device nodes are shared by every
// session opened from the same device (see session.DeviceKey).
//
// All mutations verify the presented session key inside the same transaction
// that writes, with the session node locked FOR UPDATE.
package graphstore
