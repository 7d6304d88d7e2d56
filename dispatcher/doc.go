// Package dispatcher implements the task queue and worker pool.
//
// Producers call Enqueue to place a task under a session's pending sorted set
// (ordered by insertion time). Every service replica runs a Dispatcher whose
// poll loop discovers sessions with pending work by key scan, peeks the head
// task and claims it with the broker's atomic remove: only the worker whose
// remove affected one member proceeds, so each task is executed exactly once
// across the fleet.
//
// Claimed tasks run on a bounded number of concurrent slots per instance and
// are handed to a core.Orchestrator. Lifecycle transitions are published on
// the task updates channel. A broadcast control channel carries abort, pause,
// resume and cancel commands; each instance acts only on the tasks and agents
// it currently executes and silently ignores the rest.
package dispatcher
