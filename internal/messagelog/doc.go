// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package messagelog keeps an evidentiary log of the signed messages a
security server exchanges.

# Writing

Every signed request and response is passed to [Manager.Log] before the
relay call completes. The record is stored with the hash of its signature,
which marks it as not yet timestamped.

# Timestamping

A [TimestamperJob] asks the [TaskQueue] to start on every tick. The queue
loads pending records and hands them to a one-shot [Worker]: a single
record is timestamped by its signature hash, several records by the root of
a hash chain over their signature hashes. The queue stores the token and
links the records to it in one store call.

When timestamping fails the job retries sooner, and the time of the first
failure is kept. Once AcceptableTimestampFailurePeriod has passed since
then, Log refuses new records with [ErrTimestampingFailed] until a
timestamp succeeds again.

With TimestampImmediately set, Log timestamps the record itself and waits
at most TimestampWait for the token.

# Retention

Archived records are removed by the [Cleaner]. Archiving itself lives in
the archive package; both run on cron schedules through a [Scheduler].
*/
package messagelog
