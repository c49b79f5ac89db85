// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package archive writes timestamped message log records to compressed
// archive files.
//
// Every file starts with a linking entry holding the SHA-256 digest and
// name of the previous file, so the files form a chain that
// [VerifyChain] can check. The digest of the newest file is kept in the
// log store and committed together with the records it contains.
//
// Committed files can be handed to a [Transfer], either a shell command or
// an S3 upload. A failed transfer is logged and the file stays on disk.
package archive
