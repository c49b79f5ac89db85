// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package xroad implements the data plane of an X-Road security server.

# Overview

A security server sits between an organization's information systems and the
federation. Requests from local clients are signed, logged and relayed over
mutually authenticated TLS to the security server of the service provider;
the signed response is verified, logged and returned.

# Package Structure

	pkg/transport   - connection racing and verified TLS connections to peers
	pkg/security    - peer trust verification, OCSP, detached message signatures
	pkg/relay       - message relay processor, SOAP decoding and faults
	pkg/globalconf  - federation configuration: servers, clients, trust anchors
	pkg/timestamp   - RFC 3161 time-stamp client and test authority
	pkg/hashchain   - Merkle hash chains for batch time-stamps
	pkg/mime        - multipart framing of signed messages
	pkg/identifier  - client, service and security server identifiers
	pkg/digest      - hash algorithm registry

	internal/messagelog - secure message log: records, time-stamping, cleanup
	internal/archive    - linked, compressed archive files and their transfer
	internal/storage    - message log stores (memory, PostgreSQL, MongoDB)
	internal/queue      - async request queues (memory, Kafka)
	internal/sender     - background delivery of async requests
	internal/server     - client and server facing HTTP endpoints
	internal/app        - component wiring

# Running

	securityserver -config /etc/xroad/securityserver.yaml

See internal/config for the configuration file format.

# References

  - X-Road message protocol: https://github.com/nordic-institute/X-Road/tree/develop/doc/Protocols
  - RFC 3161 Time-Stamp Protocol: https://www.rfc-editor.org/rfc/rfc3161
  - RFC 6960 OCSP: https://www.rfc-editor.org/rfc/rfc6960

# License

BSD-2-Clause License
*/
package xroad
