package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// district is one catalog entry served by the read API.
type district struct {
	Code  string `bson:"code" json:"code"`
	Name  string `bson:"name" json:"name"`
	State string `bson:"state" json:"state"`
}

// snapshotDoc is the stored monthly snapshot shape read back from MongoDB.
type snapshotDoc struct {
	DistrictCode     string    `bson:"district_code"`
	YearMonth        time.Time `bson:"year_month"`
	TotalWorkDays    int64     `bson:"total_work_days"`
	HouseholdsWorked int64     `bson:"households_worked"`
	PeopleBenefitted int64     `bson:"people_benefitted"`
	TotalPayments    float64   `bson:"total_payments"`
	SourceUpdatedAt  time.Time `bson:"source_updated_at"`
	DefaultMonth     bool      `bson:"default_month"`
}

// snapshotPoint is the public projection of one monthly snapshot.
type snapshotPoint struct {
	YearMonth        string  `json:"year_month"`
	TotalWorkDays    int64   `json:"total_work_days"`
	HouseholdsWorked int64   `json:"households_worked"`
	PeopleBenefitted int64   `json:"people_benefitted"`
	TotalPayments    float64 `json:"total_payments"`
	SourceUpdatedAt  string  `json:"source_updated_at"`
	DefaultMonth     bool    `json:"default_month,omitempty"`
}

// summaryResponse is the public latest-month summary for one district.
type summaryResponse struct {
	DistrictCode string         `json:"district_code"`
	DistrictName string         `json:"district_name"`
	State        string         `json:"state"`
	HasData      bool           `json:"has_data"`
	Latest       *snapshotPoint `json:"latest,omitempty"`
	Message      string         `json:"message,omitempty"`
	GeneratedAt  string         `json:"generated_at"`
}

// mongoReadStore serves the district catalog and snapshot read models.
type mongoReadStore struct {
	districts *mongo.Collection
	snapshots *mongo.Collection
	logger    *log.Logger
}

// ensureIndexes creates the unique district-code catalog index.
func (s *mongoReadStore) ensureIndexes(ctx context.Context) error {
	_, err := s.districts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "code", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("district_code_unique"),
	})
	if err != nil {
		return err
	}
	s.logger.Printf("mongo indexes ensured districts=%s", s.districts.Name())
	return nil
}

// seedDistricts upserts catalog entries from a JSON seed file so a fresh
// deployment starts with a usable district list.
func (s *mongoReadStore) seedDistricts(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("seed file read failed: %w", err)
	}

	var entries []district
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("seed file decode failed: %w", err)
	}

	for _, entry := range entries {
		code, err := validateDistrictCode(entry.Code)
		if err != nil {
			return fmt.Errorf("seed entry %q invalid: %w", entry.Code, err)
		}
		entry.Code = code

		_, err = s.districts.UpdateOne(
			ctx,
			bson.M{"code": entry.Code},
			bson.M{"$set": bson.M{
				"code":  entry.Code,
				"name":  entry.Name,
				"state": entry.State,
			}},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return fmt.Errorf("seed upsert failed code=%s: %w", entry.Code, err)
		}
	}

	s.logger.Printf("district catalog seeded entries=%d file=%s", len(entries), path)
	return nil
}

// ListDistricts returns the full catalog ordered by code.
func (s *mongoReadStore) ListDistricts(ctx context.Context) ([]district, error) {
	cursor, err := s.districts.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "code", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	districts := make([]district, 0, 64)
	if err := cursor.All(ctx, &districts); err != nil {
		return nil, err
	}
	return districts, nil
}

// GetDistrict returns one catalog entry or mongo.ErrNoDocuments.
func (s *mongoReadStore) GetDistrict(ctx context.Context, code string) (district, error) {
	var entry district
	err := s.districts.FindOne(ctx, bson.M{"code": code}).Decode(&entry)
	if err != nil {
		return district{}, err
	}
	return entry, nil
}

// LatestSnapshot returns the most recent stored month for a district, or
// mongo.ErrNoDocuments when nothing has been ingested yet.
func (s *mongoReadStore) LatestSnapshot(ctx context.Context, code string) (snapshotDoc, error) {
	var doc snapshotDoc
	err := s.snapshots.FindOne(
		ctx,
		bson.M{"district_code": code},
		options.FindOne().SetSort(bson.D{{Key: "year_month", Value: -1}}),
	).Decode(&doc)
	if err != nil {
		return snapshotDoc{}, err
	}
	return doc, nil
}

// Trend returns up to months recent snapshots in ascending month order.
func (s *mongoReadStore) Trend(ctx context.Context, code string, months int) ([]snapshotDoc, error) {
	cursor, err := s.snapshots.Find(
		ctx,
		bson.M{"district_code": code},
		options.Find().
			SetSort(bson.D{{Key: "year_month", Value: -1}}).
			SetLimit(int64(months)),
	)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	docs := make([]snapshotDoc, 0, months)
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	// Query order is newest-first for the limit; callers chart oldest-first.
	for i, j := 0, len(docs)-1; i < j; i, j = i+1, j-1 {
		docs[i], docs[j] = docs[j], docs[i]
	}
	return docs, nil
}

// toPoint projects a stored snapshot into the public shape.
func toPoint(doc snapshotDoc) snapshotPoint {
	return snapshotPoint{
		YearMonth:        doc.YearMonth.UTC().Format(yearMonthLayout),
		TotalWorkDays:    doc.TotalWorkDays,
		HouseholdsWorked: doc.HouseholdsWorked,
		PeopleBenefitted: doc.PeopleBenefitted,
		TotalPayments:    doc.TotalPayments,
		SourceUpdatedAt:  doc.SourceUpdatedAt.UTC().Format(time.RFC3339),
		DefaultMonth:     doc.DefaultMonth,
	}
}

// summaryCacheKey returns the Redis key caching one district summary.
func summaryCacheKey(code string) string {
	return "summary:" + code
}

// handleDistrictSummary serves the latest-month summary, cached in Redis so a
// hot district does not hit MongoDB on every request.
func (a *app) handleDistrictSummary(w http.ResponseWriter, r *http.Request, code string) {
	ctx, cancel := context.WithTimeout(r.Context(), a.cfg.requestTimeout)
	defer cancel()

	cacheKey := summaryCacheKey(code)
	if cached, err := a.redisClient.Get(ctx, cacheKey).Bytes(); err == nil {
		var summary summaryResponse
		if decodeErr := json.Unmarshal(cached, &summary); decodeErr == nil {
			apiMetricsState.recordSummaryCacheHit()
			w.Header().Set("X-Cache", "HIT")
			writeJSON(w, http.StatusOK, summary)
			return
		}
		a.logger.Printf("summary cache entry unreadable key=%s; rebuilding", cacheKey)
	} else if !errors.Is(err, redis.Nil) {
		a.logger.Printf("summary cache read failed key=%s err=%v", cacheKey, err)
	}
	apiMetricsState.recordSummaryCacheMiss()

	entry, err := a.readStore.GetDistrict(ctx, code)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown district"})
			return
		}
		a.logger.Printf("summary district lookup failed code=%s err=%v", code, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load district"})
		return
	}

	summary := summaryResponse{
		DistrictCode: entry.Code,
		DistrictName: entry.Name,
		State:        entry.State,
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
	}

	doc, err := a.readStore.LatestSnapshot(ctx, code)
	switch {
	case err == nil:
		point := toPoint(doc)
		summary.HasData = true
		summary.Latest = &point
	case errors.Is(err, mongo.ErrNoDocuments):
		summary.Message = "no data ingested yet for this district"
	default:
		a.logger.Printf("summary snapshot lookup failed code=%s err=%v", code, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load summary"})
		return
	}

	if body, err := json.Marshal(summary); err == nil {
		if err := a.redisClient.Set(ctx, cacheKey, body, a.cfg.summaryCacheTTL).Err(); err != nil {
			a.logger.Printf("summary cache write failed key=%s err=%v", cacheKey, err)
		}
	}

	w.Header().Set("X-Cache", "MISS")
	writeJSON(w, http.StatusOK, summary)
}
