package main

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ingestStore owns every pipeline write. Task execution never touches the
// database except through this interface.
type ingestStore interface {
	AppendRaw(ctx context.Context, districtCode string, yearMonth time.Time, payload []byte) error
	UpsertSnapshot(ctx context.Context, rec monthlySnapshot) (bool, error)
}

// mongoIngestStore persists raw audit records and monthly snapshots.
type mongoIngestStore struct {
	raw       *mongo.Collection
	snapshots *mongo.Collection
	logger    *log.Logger
}

// ensureIndexes creates the unique snapshot key and the raw lookup index.
// The unique compound index is what makes concurrent upserts for the same
// (district, month) collapse to a single row.
func (s *mongoIngestStore) ensureIndexes(ctx context.Context) error {
	_, err := s.snapshots.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "district_code", Value: 1},
			{Key: "year_month", Value: 1},
		},
		Options: options.Index().SetUnique(true).SetName("district_month_unique"),
	})
	if err != nil {
		return err
	}

	_, err = s.raw.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "district_code", Value: 1},
			{Key: "year_month", Value: 1},
		},
		Options: options.Index().SetName("raw_district_month"),
	})
	if err != nil {
		return err
	}

	s.logger.Printf("mongo indexes ensured snapshots=%s raw=%s", s.snapshots.Name(), s.raw.Name())
	return nil
}

// AppendRaw inserts one immutable audit record. Every successful fetch appends
// a new row; rows for the same key are never merged or replaced.
func (s *mongoIngestStore) AppendRaw(ctx context.Context, districtCode string, yearMonth time.Time, payload []byte) error {
	// Payloads are normally JSON; anything undecodable is kept verbatim so the
	// audit trail still reflects exactly what the provider sent.
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		decoded = bson.M{"body": string(payload)}
	}

	_, err := s.raw.InsertOne(ctx, bson.M{
		"district_code": districtCode,
		"year_month":    yearMonth,
		"payload":       decoded,
		"fetched_at":    time.Now().UTC(),
	})
	return err
}

// UpsertSnapshot inserts the first snapshot for a key or overwrites every
// metric field of an existing one. Returns true when a new row was created.
func (s *mongoIngestStore) UpsertSnapshot(ctx context.Context, rec monthlySnapshot) (bool, error) {
	res, err := s.snapshots.UpdateOne(
		ctx,
		bson.M{
			"district_code": rec.DistrictCode,
			"year_month":    rec.YearMonth,
		},
		bson.M{
			"$set":         snapshotSetFields(rec),
			"$setOnInsert": bson.M{"created_at": time.Now().UTC()},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, err
	}
	return res.UpsertedCount > 0, nil
}

// snapshotSetFields builds the full overwrite document for one snapshot.
// Every metric field is replaced on every successful ingest; there is no
// partial-field merge.
func snapshotSetFields(rec monthlySnapshot) bson.M {
	return bson.M{
		"district_code":     rec.DistrictCode,
		"year_month":        rec.YearMonth,
		"total_work_days":   rec.TotalWorkDays,
		"households_worked": rec.HouseholdsWorked,
		"people_benefitted": rec.PeopleBenefitted,
		"total_payments":    rec.TotalPayments,
		"source_updated_at": rec.SourceUpdatedAt,
		"default_month":     rec.DefaultMonth,
	}
}
