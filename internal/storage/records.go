package storage

import "time"

// LogRecord holds the fields shared by every record in the log store
type LogRecord struct {
	ID       int64     `bson:"_id" json:"id"`
	Time     time.Time `bson:"time" json:"time"`
	Archived bool      `bson:"archived" json:"archived"`
}

// MessageRecord is a signed message as it was sent or received.
//
// SignatureHash is set exactly while the record has no timestamp; it is
// cleared when TimestampRecordID is set.
type MessageRecord struct {
	LogRecord `bson:",inline"`

	QueryID string `bson:"query_id" json:"queryId"`
	// Message is the logged message, with the body removed when body
	// logging is disabled for the owner.
	Message        string `bson:"message" json:"message"`
	SignatureXML   string `bson:"signature" json:"signature"`
	SignatureHash  string `bson:"signature_hash,omitempty" json:"signatureHash,omitempty"`
	PeerIdentifier string `bson:"peer_identifier" json:"peerIdentifier"`
	Response       bool   `bson:"response" json:"response"`

	// Set when the record was timestamped as part of a batch
	HashChain       string `bson:"hash_chain,omitempty" json:"hashChain,omitempty"`
	HashChainResult string `bson:"hash_chain_result,omitempty" json:"hashChainResult,omitempty"`

	TimestampRecordID int64 `bson:"timestamp_record,omitempty" json:"timestampRecord,omitempty"`
}

// Timestamped reports whether the record is covered by a timestamp
func (m *MessageRecord) Timestamped() bool {
	return m.TimestampRecordID != 0
}

// TimestampRecord is a time-stamp token covering one or more message records
type TimestampRecord struct {
	LogRecord `bson:",inline"`

	// Timestamp is the DER encoded RFC 3161 token
	Timestamp       []byte `bson:"timestamp" json:"timestamp"`
	HashChainResult string `bson:"hash_chain_result,omitempty" json:"hashChainResult,omitempty"`
}

// DigestEntry links an archive file to the next one
type DigestEntry struct {
	// Digest is the hex SHA-256 of the archive file
	Digest   string `bson:"digest" json:"digest"`
	FileName string `bson:"file_name" json:"fileName"`
}
