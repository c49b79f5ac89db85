// Package mongodb implements storage interfaces using MongoDB
package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nordic-institute/X-Road-sub019/internal/storage"
)

const (
	kindMessage   = "message"
	kindTimestamp = "timestamp"

	sequenceName = "logrecord"
	digestID     = "last"
)

// Store implements storage.Store using MongoDB. Multi-document operations
// run in transactions, which requires a replica set deployment.
type Store struct {
	client *mongo.Client
	db     *mongo.Database

	// Collections
	records  *mongo.Collection
	counters *mongo.Collection
	digests  *mongo.Collection
}

// Config holds MongoDB connection settings
type Config struct {
	URI      string
	Database string
}

// record is the document layout of both record kinds
type record struct {
	ID                int64     `bson:"_id"`
	Kind              string    `bson:"kind"`
	Time              time.Time `bson:"time"`
	Archived          bool      `bson:"archived"`
	QueryID           string    `bson:"query_id,omitempty"`
	Message           string    `bson:"message,omitempty"`
	SignatureXML      string    `bson:"signature,omitempty"`
	SignatureHash     string    `bson:"signature_hash,omitempty"`
	PeerIdentifier    string    `bson:"peer_identifier,omitempty"`
	Response          bool      `bson:"response"`
	HashChain         string    `bson:"hash_chain,omitempty"`
	HashChainResult   string    `bson:"hash_chain_result,omitempty"`
	TimestampRecordID int64     `bson:"timestamp_record,omitempty"`
	Timestamp         []byte    `bson:"timestamp,omitempty"`
}

// NewStore creates a new MongoDB store
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	// Connect to MongoDB
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	// Verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:   client,
		db:       db,
		records:  db.Collection("logrecords"),
		counters: db.Collection("counters"),
		digests:  db.Collection("archive_digests"),
	}

	// Create indexes
	if err := s.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.records.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "signature_hash", Value: 1}}},
		{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "archived", Value: 1}, {Key: "timestamp_record", Value: 1}}},
		{Keys: bson.D{{Key: "archived", Value: 1}, {Key: "time", Value: 1}}},
		{Keys: bson.D{{Key: "query_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating log record indexes: %w", err)
	}
	return nil
}

// Close closes the MongoDB connection
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// LogStore implementation

func (s *Store) SaveMessageRecord(ctx context.Context, rec *storage.MessageRecord) error {
	id, err := s.nextID(ctx)
	if err != nil {
		return err
	}
	rec.ID = id
	rec.Time = time.Now()

	if _, err := s.records.InsertOne(ctx, fromMessage(rec)); err != nil {
		return fmt.Errorf("saving message record: %w", err)
	}
	return nil
}

func (s *Store) GetMessageRecord(ctx context.Context, id int64) (*storage.MessageRecord, error) {
	var doc record
	err := s.records.FindOne(ctx, bson.M{"_id": id, "kind": kindMessage}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.toMessage(), nil
}

func (s *Store) GetTimestampRecord(ctx context.Context, id int64) (*storage.TimestampRecord, error) {
	var doc record
	err := s.records.FindOne(ctx, bson.M{"_id": id, "kind": kindTimestamp}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.toTimestamp(), nil
}

func (s *Store) UntimestampedRecords(ctx context.Context, limit int) ([]*storage.MessageRecord, error) {
	query := bson.M{
		"kind":           kindMessage,
		"signature_hash": bson.M{"$exists": true, "$ne": ""},
	}
	return s.findMessages(ctx, query, limit)
}

func (s *Store) SaveTimestampRecord(ctx context.Context, ts *storage.TimestampRecord, recordIDs []int64, hashChains []string) error {
	if len(hashChains) > 0 && len(hashChains) != len(recordIDs) {
		return fmt.Errorf("got %d hash chains for %d records", len(hashChains), len(recordIDs))
	}

	err := s.inTransaction(ctx, func(sc mongo.SessionContext) error {
		id, err := s.nextID(sc)
		if err != nil {
			return err
		}
		ts.ID = id
		ts.Time = time.Now()

		if _, err := s.records.InsertOne(sc, fromTimestamp(ts)); err != nil {
			return fmt.Errorf("saving timestamp record: %w", err)
		}

		var associated int64
		notStamped := bson.M{"$exists": false}
		if len(hashChains) == 0 {
			filter := bson.M{"_id": bson.M{"$in": recordIDs}, "kind": kindMessage, "timestamp_record": notStamped}
			res, err := s.records.UpdateMany(sc, filter, bson.M{
				"$set":   bson.M{"timestamp_record": ts.ID},
				"$unset": bson.M{"signature_hash": ""},
			})
			if err != nil {
				return fmt.Errorf("associating message records: %w", err)
			}
			associated = res.ModifiedCount
		} else {
			for i, recID := range recordIDs {
				filter := bson.M{"_id": recID, "kind": kindMessage, "timestamp_record": notStamped}
				res, err := s.records.UpdateOne(sc, filter, bson.M{
					"$set": bson.M{
						"timestamp_record":  ts.ID,
						"hash_chain":        hashChains[i],
						"hash_chain_result": ts.HashChainResult,
					},
					"$unset": bson.M{"signature_hash": ""},
				})
				if err != nil {
					return fmt.Errorf("associating message record %d: %w", recID, err)
				}
				associated += res.ModifiedCount
			}
		}

		// aborts the transaction, dropping the insert
		if associated == 0 {
			return storage.ErrAlreadyTimestamped
		}
		return nil
	})
	if err != nil {
		ts.ID = 0
	}
	return err
}

// ArchiveStore implementation

func (s *Store) MaxArchivableID(ctx context.Context) (int64, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetProjection(bson.M{"_id": 1})

	var doc struct {
		ID int64 `bson:"_id"`
	}
	err := s.records.FindOne(ctx, archivable(), opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("getting max archivable id: %w", err)
	}
	return doc.ID, nil
}

func (s *Store) ArchivableRecords(ctx context.Context, maxID int64, limit int) ([]*storage.MessageRecord, error) {
	query := archivable()
	query["_id"] = bson.M{"$lte": maxID}
	return s.findMessages(ctx, query, limit)
}

func (s *Store) LastDigest(ctx context.Context) (*storage.DigestEntry, error) {
	var d storage.DigestEntry
	err := s.digests.FindOne(ctx, bson.M{"_id": digestID}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting last digest: %w", err)
	}
	return &d, nil
}

func (s *Store) CommitArchive(ctx context.Context, recordIDs []int64, digest *storage.DigestEntry) error {
	return s.inTransaction(ctx, func(sc mongo.SessionContext) error {
		if len(recordIDs) > 0 {
			_, err := s.records.UpdateMany(sc,
				bson.M{"_id": bson.M{"$in": recordIDs}},
				bson.M{"$set": bson.M{"archived": true}})
			if err != nil {
				return fmt.Errorf("marking records archived: %w", err)
			}
		}

		pending, err := s.records.Distinct(sc, "timestamp_record", bson.M{
			"kind":             kindMessage,
			"archived":         false,
			"timestamp_record": bson.M{"$exists": true},
		})
		if err != nil {
			return fmt.Errorf("finding pending timestamp records: %w", err)
		}
		if pending == nil {
			pending = []interface{}{}
		}
		_, err = s.records.UpdateMany(sc,
			bson.M{"kind": kindTimestamp, "archived": false, "_id": bson.M{"$nin": pending}},
			bson.M{"$set": bson.M{"archived": true}})
		if err != nil {
			return fmt.Errorf("marking timestamp records archived: %w", err)
		}

		if digest != nil {
			_, err = s.digests.ReplaceOne(sc, bson.M{"_id": digestID}, bson.M{
				"_id":       digestID,
				"digest":    digest.Digest,
				"file_name": digest.FileName,
			}, options.Replace().SetUpsert(true))
			if err != nil {
				return fmt.Errorf("saving archive digest: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) DeleteArchived(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.records.DeleteMany(ctx, bson.M{
		"archived": true,
		"time":     bson.M{"$lt": before},
	})
	if err != nil {
		return 0, fmt.Errorf("deleting archived records: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *Store) nextID(ctx context.Context) (int64, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": sequenceName},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("allocating record id: %w", err)
	}
	return counter.Seq, nil
}

func (s *Store) inTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

func (s *Store) findMessages(ctx context.Context, query bson.M, limit int) ([]*storage.MessageRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.records.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []record
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*storage.MessageRecord, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toMessage())
	}
	return out, nil
}

func archivable() bson.M {
	return bson.M{
		"kind":             kindMessage,
		"archived":         false,
		"timestamp_record": bson.M{"$exists": true},
	}
}

func fromMessage(m *storage.MessageRecord) *record {
	return &record{
		ID:                m.ID,
		Kind:              kindMessage,
		Time:              m.Time,
		Archived:          m.Archived,
		QueryID:           m.QueryID,
		Message:           m.Message,
		SignatureXML:      m.SignatureXML,
		SignatureHash:     m.SignatureHash,
		PeerIdentifier:    m.PeerIdentifier,
		Response:          m.Response,
		HashChain:         m.HashChain,
		HashChainResult:   m.HashChainResult,
		TimestampRecordID: m.TimestampRecordID,
	}
}

func fromTimestamp(ts *storage.TimestampRecord) *record {
	return &record{
		ID:              ts.ID,
		Kind:            kindTimestamp,
		Time:            ts.Time,
		Archived:        ts.Archived,
		Timestamp:       ts.Timestamp,
		HashChainResult: ts.HashChainResult,
	}
}

func (r *record) toMessage() *storage.MessageRecord {
	return &storage.MessageRecord{
		LogRecord:         storage.LogRecord{ID: r.ID, Time: r.Time, Archived: r.Archived},
		QueryID:           r.QueryID,
		Message:           r.Message,
		SignatureXML:      r.SignatureXML,
		SignatureHash:     r.SignatureHash,
		PeerIdentifier:    r.PeerIdentifier,
		Response:          r.Response,
		HashChain:         r.HashChain,
		HashChainResult:   r.HashChainResult,
		TimestampRecordID: r.TimestampRecordID,
	}
}

func (r *record) toTimestamp() *storage.TimestampRecord {
	return &storage.TimestampRecord{
		LogRecord:       storage.LogRecord{ID: r.ID, Time: r.Time, Archived: r.Archived},
		Timestamp:       r.Timestamp,
		HashChainResult: r.HashChainResult,
	}
}

var _ storage.Store = (*Store)(nil)
