// Package jobs implements the in-process job orchestration core: a class
// registry, per-job lifecycle loops, a five-level permission hierarchy with
// a manager-enforced verb boundary, stimulus dispatch, declared output
// fields and queues, and timestamp-bucketed scheduling with export/import
// persistence.
//
// Jobs interact with each other only through proxies; every mutation carried
// by a proxy is re-checked against the invoker's permission level at call
// time. A job's own handler acts on its *Job directly and bypasses the
// boundary for its own lifecycle.
package jobs
