// Package msc implements the host-side USB Mass Storage class transport:
// the layer that carries SCSI command blocks between an upstream SCSI
// scheduler and a storage device over Bulk-Only Transport (BOT),
// Control/Bulk/Interrupt (CBI), or Control/Bulk (CB).
//
// # Architecture
//
// The transport consists of four cooperating pieces:
//
//  1. Transport core - single-in-flight arbitration, attach/teardown,
//     Max LUN discovery, logical unit publication
//  2. BOT state machine - drives one command through its Command, Data,
//     and Status phases, including stall and reset recovery
//  3. CBI/CB state machine - the simpler control-transfer command phase
//     with interrupt (or implicit) status
//  4. Recovery coordinator - endpoint probes on resume, port resets off
//     the completion context, device-wide abort
//
// # Protocol selection
//
// Attach resolves the transport protocol from the interface descriptor,
// subject to per-device quirk overrides (see QuirkTable). BOT devices get
// the full three-phase machine; CBI and CB devices share a two-phase
// machine that differs only in how completion status is obtained.
//
// # Concurrency
//
// At most one command is in flight per interface. USB completion
// callbacks are funneled into a single workloop goroutine so state
// machine transitions never race; the heavyweight port reset runs on its
// own worker and is serialized with the machines through the reset flag.
package msc
