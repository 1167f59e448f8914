// Package bframe contains the wire codec for the two bitcomm frame kinds.
//
// Every frame begins with a 4-byte discriminator.
// A Command frame is always [CommandSize] bytes.
// A Message frame is a [HeaderSize]-byte header
// followed by as many payload bytes as the header declares.
//
// Both kinds share the first 56 bytes of layout:
//
//	off  size  field
//	0    4     discriminator ("BCMC" or "BCMM")
//	4    1     version
//	5    1     flags
//	6    2     code
//	8    16    sender address
//	24   16    receiver address
//	40   8     sequence
//	48   8     timestamp (unix milliseconds)
//
// The remaining 8 header bytes are kind-specific;
// see [Command] and [Message].
// All integers are big endian.
package bframe
