/*
Package mux lets many logical clients share one long-running worker process.

Clients that need a worker of the same configuration (a Key) get a Proxy each. Every Proxy looks like a private worker: write a request, call RoundTrip, get the response back. Behind the scenes all Proxies of a Key share one Multiplexer, which owns the process, serializes writes to its stdin, and runs a reader goroutine that parses responses from its stdout and routes each one to the Proxy whose id matches the response's requestId.

Multiplexers live in a Registry. A Multiplexer is created on the first Acquire of its Key, its process is started on first use, and both are torn down when the last Proxy releases it. A destroyed Multiplexer is never handed out again.

If the shared stream breaks (the process exits, closes stdout, or writes something that cannot be framed), every pending round trip fails with ErrBrokenPipe, so no caller blocks forever.

Proxies can register themselves in a Hooks set, which releases every Proxy still alive when the program is shutting down, so no worker process outlives it.
*/
package mux
