// Package protocol implements the meshlink wire messages.
//
// Four message kinds travel between nodes, all sharing the same fixed
// 103-byte [Header]:
//
//   - [Hello]: liveness check and, when ChildrenTime > 0, a registration
//     request to a super peer. Carries the sender's candidate addresses.
//   - [Acknowledgement]: reply to a Hello, echoing its send time so the
//     requester can measure the round-trip time.
//   - [Unite]: sent by a super peer to introduce one child to another.
//   - [Application]: opaque payload relayed by super peers and optionally
//     armed end to end.
//
// [Decode] returns a [Message]; callers dispatch on the concrete type:
//
//	msg, err := protocol.Decode(datagram)
//	if err != nil {
//	    return // malformed datagrams are dropped
//	}
//	switch m := msg.(type) {
//	case *protocol.Hello:
//	case *protocol.Acknowledgement:
//	case *protocol.Unite:
//	case *protocol.Application:
//	}
//
// All integers are big-endian.
package protocol
