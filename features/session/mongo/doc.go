// Package mongo provides a MongoDB-backed implementation of the session
// store. Build the low-level client via features/session/mongo/clients/mongo
// and pass it to NewStore so deployments can persist sessions outside the
// orchestrator process.
package mongo
