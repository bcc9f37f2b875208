// Package limits provides centralized size constants and validation functions
// for the meshlink wire protocol.
//
// # Size Hierarchy
//
//   - MaxDatagramSize (1432 bytes): the largest encoded message. Both the UDP
//     transport and the simulated network refuse anything larger.
//
//   - MaxCandidateAddresses (16): candidate addresses a child advertises in
//     a Hello.
//
//   - MaxUniteAddresses (8): candidate addresses a super peer forwards in a
//     Unite.
//
//   - ArmOverhead (16 bytes): the Poly1305 tag added when an application
//     payload is armed.
//
// # Validation Functions
//
//	if err := limits.ValidateDatagram(buf); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
package limits
