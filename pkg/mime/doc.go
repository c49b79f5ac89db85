// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package mime handles the MIME multipart packaging exchanged between
security servers.

A relayed message travels together with its detached signature and,
optionally, the OCSP responses covering the signing certificate chain:

	Content-Type: multipart/related;
	    type="text/xml";
	    start="<...@xroad>";
	    boundary="xroad..."

	--xroad...
	Content-Type: text/xml; charset=UTF-8
	Content-ID: <...@xroad>

	[message]

	--xroad...
	Content-Type: application/signature+xml

	[detached signature]

	--xroad...
	Content-Type: application/ocsp-response

	[DER OCSP response]

# Creating Multipart Messages

	sm := &mime.SignedMessage{Message: msg, Signature: sig}
	body, contentType, err := sm.Encode().Serialize()

# Parsing Multipart Messages

	sm, err := mime.DecodeSigned(r, contentType, maxPartSize)

The generic [Parse] and [Message.PartsByType] are also used for the
batched OCSP responses served by security servers, where parts appear in
the order of the requested certificate hashes.

# References

  - MIME Multipart: https://datatracker.ietf.org/doc/html/rfc2046
  - multipart/related: https://datatracker.ietf.org/doc/html/rfc2387
*/
package mime
