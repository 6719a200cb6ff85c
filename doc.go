// Package proofgate is a dispatch proxy for proof-generation workloads.
// It accepts expensive, exclusive proving jobs from clients and distributes
// them across a pool of backend prover workers under admission control,
// health tracking, and bounded retry.
//
// Proofgate is designed as a gateway, not a prover. Workers own the proving
// algorithm; the proxy owns scheduling: which worker runs which job, what
// happens when a worker dies mid-proof, and when an overloaded system says
// no instead of buffering without bound.
//
// # Architecture
//
// Each subsystem lives in its own package: the worker registry and its
// state machine (registry), the bounded admission queue (queue), health
// probing (health), the matching loop and retry coordination (dispatch),
// result correlation (relay), and the prover wire protocol (wire,
// transport). The root package holds configuration and the error taxonomy
// shared by all of them.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package proofgate
