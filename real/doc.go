// Package real provides the UDP socket implementation of
// interfaces.DatagramTransport.
//
// # Architecture
//
//	┌─────────────────────────────────────────┐
//	│             UDPTransport                │
//	│  ┌─────────────┐  ┌─────────────────┐   │
//	│  │ read loop   │  │  Send + retry   │   │
//	│  │ (goroutine) │  │  (Sleeper)      │   │
//	│  └──────┬──────┘  └─────────────────┘   │
//	└─────────┼───────────────────────────────┘
//	          │ DatagramHandler
//	          ▼
//	   transport.Endpoint (decode, post to loop)
//
// The read loop copies every datagram out of the shared buffer before
// handing it to the handler. Send never blocks its caller, which is usually
// the node event loop. Transient send errors such as a full socket buffer
// are retried with exponential backoff on a separate goroutine, and the
// [Sleeper] abstraction lets tests run the retry path without waiting.
//
// # Usage
//
//	t, err := real.NewUDPTransport(interfaces.DefaultTransportConfig())
//	if err != nil {
//	    return err
//	}
//	defer t.Close()
package real
