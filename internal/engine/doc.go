// Package engine provides the job manager. It validates client orders,
// owns the registry of jobs and their directories, runs each job's recipe
// task, persists reports, logs and marker files, and relays job log events
// to live subscribers.
package engine
