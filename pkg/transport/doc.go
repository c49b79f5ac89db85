// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transport opens connections between security servers.

# Connection Racing

A provider is usually reachable through several security servers. The
[Racer] dials all of them at once and keeps the first connection:

	racer := transport.NewRacer(
	    transport.WithSessionCache(tlsConfig.ClientSessionCache),
	    transport.WithSelectedCache(1024, 10*time.Minute),
	)
	si, err := racer.Select(ctx, addresses, 30*time.Second)

An address with a live TLS session in the cache is dialed alone. The
winner of a race is remembered for the address set and dialed first next
time with a short timeout; if it fails it is forgotten and the remaining
addresses are raced with half the timeout.

When nothing connects, Select returns a [*ConnectFailure] listing every
attempt. It matches [ErrConnectFailed] and reports Temporary.

# Verified Connections

[Connector] adds the TLS handshake and hands the peer chain to a
[PeerVerifier] before the connection is used:

	conn, err := connector.Connect(ctx, addresses, serviceID)
	resp, err := conn.RoundTrip(ctx, req)

# TLS Configuration

TLS 1.2 and 1.3 are offered, with the following TLS 1.2 cipher suites:
  - TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384
  - TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256
  - TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384
  - TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256

# References

  - TLS 1.3 RFC 8446: https://datatracker.ietf.org/doc/html/rfc8446
  - TLS 1.2 RFC 5246: https://datatracker.ietf.org/doc/html/rfc5246
*/
package transport
