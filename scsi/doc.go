// Package scsi defines the contract between an upstream SCSI task
// scheduler and the mass storage transport.
//
// The transport does not interpret SCSI commands. It carries an opaque
// command descriptor block to the device, moves the data phase, and maps
// the device's status onto a (ServiceResponse, TaskStatus) pair for the
// upstream layer. The Task interface is the per-command handle the
// scheduler hands to msc.Transport.Submit; the scheduler receives the
// verdict back through Task.Complete.
package scsi
