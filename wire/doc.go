/*
Package wire defines the channel's wire format: the primitive scalar codec,
the message kinds, the framing constants, and the handshake exchanged when a
worker starts.

A scalar travels as a five-character left-justified type tag, a space, and
the value's text, e.g. "int   42" or "str   hello". Two decode paths exist
on purpose: DecodeTagged inverts Encode exactly, while Coerce applies the
worker runtime's numeric-looking-text inference to raw result text. The
inference is lossy for text that looks numeric; callers that care use the
raw variants.

Responses are chunked: each chunk on each stream is payload plus a marker
(two separators to continue, three to end) plus a newline so line-based
reads always observe a terminator. Both response streams are written every
round, even when one is empty, because neither can be peeked without
risking a blocked read on the other.
*/
package wire
