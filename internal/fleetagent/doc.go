// Package fleetagent is the agent side of the control plane: a reconnecting
// AgentControl client that executes pushed commands, and an update
// orchestrator that drains the client and hands the binary swap to the
// external updater helper.
package fleetagent
