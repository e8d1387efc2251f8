package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kensa/internal/service/embedding"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// payloadTextKey holds the stored document text inside a point payload.
const payloadTextKey = "text"

// QdrantIndex implements Index backed by a Qdrant collection.
type QdrantIndex struct {
	client     *qdrant.Client
	embedder   embedding.Provider
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error (pointer-to-error, never nil pointer; inner error may be nil)
	healthAt    atomic.Int64 // unix nanos of last check
}

const (
	qdrantRESTPort = 6333
	qdrantGRPCPort = 6334
)

// parseQdrantURL splits a Qdrant URL into the gRPC dial target. The REST
// port is mapped to the gRPC port since QDRANT_URL is usually copied from
// the dashboard.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}
	port = qdrantGRPCPort
	if ps := u.Port(); ps != "" {
		if port, err = strconv.Atoi(ps); err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", ps)
		}
		if port == qdrantRESTPort {
			port = qdrantGRPCPort
		}
	}
	return u.Hostname(), port, u.Scheme == "https", nil
}

// NewQdrantIndex creates a new QdrantIndex and connects to the Qdrant server via gRPC.
func NewQdrantIndex(cfg QdrantConfig, embedder embedding.Provider, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		embedder:   embedder,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist and
// ensures the payload indexes are present. CreateFieldIndex is idempotent, so
// indexes added after the collection was created are backfilled on restart.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)

		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("search: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	} else {
		q.logger.Info("qdrant: collection already exists", "collection", q.collection)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"memory_type", "agent_type"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("search: ensure index on %q: %w", field, err)
		}
	}

	floatType := qdrant.FieldType_FieldTypeFloat
	for _, field := range []string{"importance"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &floatType,
		}); err != nil {
			return fmt.Errorf("search: ensure index on %q: %w", field, err)
		}
	}

	q.logger.Info("qdrant: payload indexes ensured", "collection", q.collection)
	return nil
}

// Add embeds the documents in one batch and upserts them as points.
func (q *QdrantIndex) Add(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	vecs, err := embedDocs(ctx, q.embedder, docs)
	if err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, len(docs))
	for i, d := range docs {
		v := vecs[i].Slice()
		if uint64(len(v)) != q.dims { //nolint:gosec
			return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), q.dims)
		}
		points[i] = pointFor(d, v)
	}

	_, err = q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// Search embeds the query and returns the k nearest points. Qdrant reports
// cosine similarity, which is converted to distance here.
func (q *QdrantIndex) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	vec, err := q.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}

	limit := uint64(k) //nolint:gosec // k is validated by the caller
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec.Slice()),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}

	hits := make([]Hit, 0, len(scored))
	for _, sp := range scored {
		h, ok := hitFromPoint(sp)
		if !ok {
			q.logger.Warn("qdrant: skipping point without a uuid id", "id", sp.GetId().String())
			continue
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// pointFor stores the document payload under payloadTextKey next to its metadata.
func pointFor(d Document, vec []float32) *qdrant.PointStruct {
	payload := make(map[string]any, len(d.Metadata)+1)
	for k, val := range d.Metadata {
		payload[k] = val
	}
	payload[payloadTextKey] = d.Payload
	return &qdrant.PointStruct{
		Id:      qdrant.NewID(d.ID.String()),
		Vectors: qdrant.NewVectorsDense(vec),
		Payload: qdrant.NewValueMap(payload),
	}
}

func hitFromPoint(sp *qdrant.ScoredPoint) (Hit, bool) {
	id, err := uuid.Parse(sp.GetId().GetUuid())
	if err != nil {
		return Hit{}, false
	}
	h := Hit{ID: id, Distance: 1 - sp.GetScore(), Metadata: make(map[string]any, len(sp.GetPayload()))}
	for key, val := range sp.GetPayload() {
		if key == payloadTextKey {
			h.Text = val.GetStringValue()
			continue
		}
		h.Metadata[key] = valueToAny(val)
	}
	return h, true
}

// Delete removes points by memory id.
func (q *QdrantIndex) Delete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id.String())
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: pointIDs,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete %d points: %w", len(ids), err)
	}
	return nil
}

// valueToAny flattens a payload value into a plain Go value.
func valueToAny(v *qdrant.Value) any {
	switch k := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_DoubleValue:
		return k.DoubleValue
	case *qdrant.Value_IntegerValue:
		return k.IntegerValue
	case *qdrant.Value_BoolValue:
		return k.BoolValue
	default:
		return nil
	}
}

// Healthy returns nil if Qdrant is reachable. The result is cached for five
// seconds and concurrent refreshes share a single gRPC call.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// The probe runs on its own context: singleflight hands every waiter the
	// first caller's result, and that caller may already be cancelled.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()

		if _, err := q.client.HealthCheck(checkCtx); err != nil {
			q.storeHealthErr(fmt.Errorf("search: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// atomic.Value cannot hold a nil interface, so errors are boxed.
func (q *QdrantIndex) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

func (q *QdrantIndex) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
