// Package agentpool is a local multi-agent message bus: a shared store
// gives each process in a fleet a short numeric identity, lets any process
// send a message to one, several, or all other online agents, and lets a
// process block in a long-poll receive until a message arrives, a deadline
// passes, or it is cancelled. One elected leader per pool performs the
// background maintenance (stale-peer reap, lease recovery, retention) that
// keeps the store bounded.
//
// Session is the single entry point: Claim a Session, then call Send, Recv,
// Rename and GetStatus on it. Everything else in this module — identity,
// presence, message, leader, recv, and the store backends — is wired
// together by bootstrap.OpenBackend and NewSession.
package agentpool
