// Package taskrunner hosts the shared abstractions for building and executing ciflow
// pipeline runs. It exposes the `Executor` interface plus helpers (`Factory`,
// `Resolve`) so CLI packages can build the run collaborators once and obtain a runner,
// while unit tests can swap in fakes.
package taskrunner
