// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package security establishes trust between security servers and signs the
messages they exchange.

# Peer Verification

After the TLS handshake with a peer security server, the presented chain is
checked with a [Verifier]:

	v := security.NewVerifier(conf, security.VerifierConfig{})
	err := v.Verify(ctx, addr, state.PeerCertificates, serviceID)

The chain is cut at the first certificate issued by a trust anchor from
global configuration; an anchor presented by the peer is never trusted by
itself. Every certificate below the anchor needs a fresh OCSP response.
Responses come from a [StatusCache] or, on miss, from the peer in a single
batched request:

	GET /ocsp?certHash=<hex sha256>&certHash=<hex sha256>

answered with a multipart body holding one application/ocsp-response part
per hash, in request order. When the peer cannot answer, the certificate's
own responder is asked (POST, then GET).

Finally the leaf must be the registered authentication certificate of a
server hosting the provider of the called service.

Failures are [*AuthFailure] values; use errors.Is with [ErrNoTrustAnchor],
[ErrRevoked], [ErrIdentityMismatch] and the other sentinels.

# Message Signatures

[DetachedSigner] produces an XML signature referencing the message part of
the relay envelope:

	signer, _ := security.NewDetachedSigner(key, cert)
	sig, err := signer.Sign(message)
	err = security.VerifyDetached(message, sig, cert)

SignedInfo is canonicalized with Exclusive XML Canonicalization. RSA and
ECDSA keys with SHA-256 are supported.

# References

  - RFC 6960 OCSP: https://datatracker.ietf.org/doc/html/rfc6960
  - XML Signature: https://www.w3.org/TR/xmldsig-core1/
  - Exclusive C14N: https://www.w3.org/TR/xml-exc-c14n/
*/
package security
