/*
Package process starts and supervises a single long-running worker process.

The process's stdin and stdout are exposed as raw byte streams for a multiplexer to frame messages on, and stderr is appended to a log file, which is the main place to look when a worker fails to start or dies.

Liveness is tracked by a goroutine waiting on the process, so IsAlive reflects whether the OS process is still running, not just whether it was started.
*/
package process
