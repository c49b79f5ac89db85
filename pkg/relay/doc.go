// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package relay implements the client side message relay of a security
server.

A [Processor] serves one HTTP request per call. The request body is decoded
in its own goroutine by a [Decoder]; the header is handed over through a
[Gate] as soon as it has been read, so the connection to the provider's
security server is opened while the body is still arriving.

The call is then served by the first [MessageHandler] of the handler chain
that can handle it. The built-in chain is

  - handlers passed with [WithHandlers], for example [ListClientsHandler]
  - the async handler, when a queue is configured: the request is handed to
    an [AsyncQueue] and answered with a synthetic response
  - the sync relay handler, which signs and logs the request, streams it to
    the peer, verifies the signed response and checks that it answers the
    request before logging and returning it

Every failure is reported to the client as exactly one SOAP [Fault]. Codes
prefixed "Client." describe problems with the inbound request, codes
prefixed "Server.ClientProxy." everything else. Faults returned by the peer
are passed through unchanged.
*/
package relay
