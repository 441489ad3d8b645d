package service

// Package service implements supervision and execution of test unit
// subprocesses.
//
// Overview
// The Supervisor launches units, each run by its own Runner, and keeps a Job
// Record per launched unit in the outstanding set, keyed by a UUID. Wait is
// an any-of wait: every Runner delivers its Result to a single fan-in
// channel and whichever unit finishes first is observed first.
//
// Runner is a thin, opinionated wrapper around os/exec:
//   - starts the process as a process group leader
//   - forwards stdout and stderr, prefixed by the unit name
//   - enforces an optional timeout
//   - terminates the whole group with SIGTERM, then SIGKILL after a grace period
//   - delivers exactly one Result per start
//
// Data flow:
//
//   Supervisor                  Runner{unit}
//       |                           |
//   Launch -> record -------------->| Start()
//       |                           | os/exec.Start + Wait() in goroutine
//       |                           |
//   Wait <-------- Result ----------| (process exits)
//       | remove record             |
//       | failure? -> siblings policy, return *UnitFailure
//
// Invariants:
//   - The outstanding set is touched only by the goroutine calling Launch,
//     Wait, Terminate and Close; runners communicate through the channel.
//   - Each record is removed exactly once, when its Result is observed.
//   - An empty outstanding set without a failure ends Wait with nil.
//   - The first observed failure ends Wait; nothing is retried.
//   - A unit killed by a signal or its timeout is a failure, a unit
//     terminated by the supervisor is cancelled.
//
// internal/service/supervisor_test.go is the best source about how to
// properly use the Supervisor struct.
