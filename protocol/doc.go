/*
Package protocol implements the framing of the persistent worker protocol spoken between a multiplexer and a worker process over the process's stdin and stdout.

Every request carries a requestId, and the worker echoes it back in the matching response. That id is the only thing a multiplexer needs to understand about a message: bodies are passed through untouched, so callers can build them with MarshalRequest and read them with UnmarshalResponse or use their own encoder for the same schema.

Two encodings are supported, matching the two protocols Bazel offers to workers:

  - JSON: one JSON object per message, separated by newlines on output.
  - Proto: varint length-delimited protobuf messages using the field numbers of worker_protocol.proto.

Responses are not required to arrive in request order.
*/
package protocol
