package mesh

import "fmt"

// TraceKey computes the canonical session key for a traceroute
// observation. originated is true when we chose request_id ourselves
// (the "req:" prefix); false for traceroutes sniffed in transit
// ("in:" prefix). src/dst/requestID are formatted as lowercase hex to
// match Meshtastic's node-id convention.
func TraceKey(originated bool, src, dst, requestID uint32) string {
	prefix := "in"
	if originated {
		prefix = "req"
	}
	return fmt.Sprintf("%s:%08x:%08x:%08x", prefix, src, dst, requestID)
}

// ReverseTraceKey recovers the trace_key of a request we sniffed in
// its original direction, given the reply packet that answers it.
// replyFromNode/replyToNode are the reply packet's own from/to — the
// replier and the original requester respectively — so the request's
// src/dst (requester/target) are the reply's to/from, reversed.
func ReverseTraceKey(replyFromNode, replyToNode, requestID uint32) string {
	return TraceKey(false, replyToNode, replyFromNode, requestID)
}
