package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// QdrantConfig configures the remote Qdrant index.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address. Default: "localhost".
	Host string

	// Port is the Qdrant gRPC port (not the HTTP REST port). Default: 6334.
	Port int

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// APIKey is the optional API key for authentication.
	APIKey string

	// Dimension is the vector size for created collections. Default: 384.
	Dimension int

	// RequestTimeout bounds individual requests. Default: 30s.
	RequestTimeout time.Duration

	// RetryAttempts is the retry count for transient failures. Default: 3.
	RetryAttempts int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Dimension == 0 {
		c.Dimension = DefaultDimension
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
}

// Validate validates the configuration.
func (c *QdrantConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("invalid dimension: %d (must be > 0)", c.Dimension)
	}
	return nil
}

// recordIDKey holds the caller's record id inside the qdrant payload.
// Qdrant accepts only UUID or unsigned-int point ids, so any other id
// maps to a deterministic UUID while the original stays in the payload.
const recordIDKey = "_record_id"

// qdrantPointID converts a record id into a point id qdrant accepts.
// UUIDs pass through; everything else hashes to a name-based UUID so
// the same record id always maps to the same point.
func qdrantPointID(id string) *qdrant.PointId {
	if _, err := uuid.Parse(id); err == nil {
		return qdrant.NewIDUUID(id)
	}
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String())
}

// QdrantIndex implements Index against a remote Qdrant instance over
// gRPC. Collections map 1:1 to engine databases and are created lazily
// on first upsert.
type QdrantIndex struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger
}

// NewQdrantIndex connects to Qdrant and verifies the connection.
func NewQdrantIndex(config QdrantConfig, logger *zap.Logger) (*QdrantIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	qcfg := &qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		APIKey: config.APIKey,
	}
	if !config.UseTLS {
		qcfg.GrpcOptions = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		}
	}

	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}

	idx := &QdrantIndex{client: client, config: config, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), config.RequestTimeout)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("qdrant health check failed: %w", err)
	}

	logger.Info("qdrant index connected",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
	)
	return idx, nil
}

// Upsert inserts or replaces points by id, creating the collection on
// first use.
func (q *QdrantIndex) Upsert(ctx context.Context, databaseID string, points []Point) error {
	ctx, cancel := context.WithTimeout(ctx, q.config.RequestTimeout)
	defer cancel()

	if len(points) == 0 {
		return nil
	}

	exists, err := q.collectionExists(ctx, databaseID)
	if err != nil {
		return err
	}
	if !exists {
		err := q.retry(ctx, func() error {
			return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: databaseID,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(q.config.Dimension),
					Distance: qdrant.Distance_Cosine,
				}),
			})
		})
		if err != nil {
			return fmt.Errorf("creating collection %s: %w", databaseID, err)
		}
	}

	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := make(map[string]*qdrant.Value, len(p.Payload)+1)
		for k, v := range p.Payload {
			payload[k] = toQdrantValue(v)
		}
		payload[recordIDKey] = toQdrantValue(p.ID)
		qpoints[i] = &qdrant.PointStruct{
			Id:      qdrantPointID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: payload,
		}
	}

	return q.retry(ctx, func() error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: databaseID,
			Points:         qpoints,
		})
		return err
	})
}

// Search queries a collection, pushing equality leaves down as a Qdrant
// must-filter and applying the score threshold server-side.
func (q *QdrantIndex) Search(ctx context.Context, databaseID string, query []float32, topK int, opts *SearchOptions) ([]ScoredPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, q.config.RequestTimeout)
	defer cancel()

	if topK <= 0 {
		return []ScoredPoint{}, nil
	}
	exists, err := q.collectionExists(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return []ScoredPoint{}, nil
	}

	req := &qdrant.QueryPoints{
		CollectionName: databaseID,
		Query:          qdrant.NewQuery(query...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if opts != nil {
		if opts.Filter != nil {
			req.Filter = toQdrantFilter(opts.Filter)
		}
		if opts.Threshold > 0 {
			req.ScoreThreshold = qdrant.PtrOf(opts.Threshold)
		}
	}

	var raw []*qdrant.ScoredPoint
	err = q.retry(ctx, func() error {
		res, err := q.client.Query(ctx, req)
		if err != nil {
			return err
		}
		raw = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", databaseID, err)
	}

	results := make([]ScoredPoint, 0, len(raw))
	for _, r := range raw {
		payload := fromQdrantPayload(r.Payload)
		id := pointIDString(r.Id)
		if orig, ok := payload[recordIDKey].(string); ok {
			id = orig
			delete(payload, recordIDKey)
			if len(payload) == 0 {
				payload = nil
			}
		}
		results = append(results, ScoredPoint{
			ID:      id,
			Score:   r.Score,
			Payload: payload,
		})
	}
	return results, nil
}

// Delete removes points by id.
func (q *QdrantIndex) Delete(ctx context.Context, databaseID string, ids []string) error {
	ctx, cancel := context.WithTimeout(ctx, q.config.RequestTimeout)
	defer cancel()

	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrantPointID(id)
	}

	return q.retry(ctx, func() error {
		_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: databaseID,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Points{
					Points: &qdrant.PointsIdsList{Ids: pointIDs},
				},
			},
		})
		return err
	})
}

// Count returns the number of points in the collection.
func (q *QdrantIndex) Count(ctx context.Context, databaseID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, q.config.RequestTimeout)
	defer cancel()

	exists, err := q.collectionExists(ctx, databaseID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	var count int
	err = q.retry(ctx, func() error {
		n, err := q.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: databaseID,
			Exact:          qdrant.PtrOf(true),
		})
		if err != nil {
			return err
		}
		count = int(n)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("counting collection %s: %w", databaseID, err)
	}
	return count, nil
}

// Drop removes the collection and all its points.
func (q *QdrantIndex) Drop(ctx context.Context, databaseID string) error {
	ctx, cancel := context.WithTimeout(ctx, q.config.RequestTimeout)
	defer cancel()

	return q.retry(ctx, func() error {
		return q.client.DeleteCollection(ctx, databaseID)
	})
}

// Close closes the gRPC connection.
func (q *QdrantIndex) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}

func (q *QdrantIndex) collectionExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := q.retry(ctx, func() error {
		ok, err := q.client.CollectionExists(ctx, name)
		if err != nil {
			return err
		}
		exists = ok
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("checking collection %s: %w", name, err)
	}
	return exists, nil
}

// retry runs operation with exponential backoff on transient gRPC errors.
func (q *QdrantIndex) retry(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := time.Second

	for attempt := 0; attempt <= q.config.RetryAttempts; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isTransientError(err) || attempt == q.config.RetryAttempts {
			break
		}

		q.logger.Debug("retrying qdrant operation",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return lastErr
}

func isTransientError(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

func toQdrantValue(v any) *qdrant.Value {
	switch val := v.(type) {
	case string:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
	case int:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
	case int64:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
	case float64:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
	default:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprintf("%v", val)}}
	}
}

func fromQdrantPayload(payload map[string]*qdrant.Value) map[string]any {
	if len(payload) == 0 {
		return nil
	}
	result := make(map[string]any, len(payload))
	for k, v := range payload {
		switch val := v.Kind.(type) {
		case *qdrant.Value_StringValue:
			result[k] = val.StringValue
		case *qdrant.Value_IntegerValue:
			result[k] = val.IntegerValue
		case *qdrant.Value_DoubleValue:
			result[k] = val.DoubleValue
		case *qdrant.Value_BoolValue:
			result[k] = val.BoolValue
		}
	}
	return result
}

// toQdrantFilter flattens the equality leaves of the closed filter tree
// into a must-match condition list. The tree only has Eq and And, so the
// flattening is exact.
func toQdrantFilter(f *Filter) *qdrant.Filter {
	leaves := f.Leaves()
	if len(leaves) == 0 {
		return nil
	}
	filter := &qdrant.Filter{Must: make([]*qdrant.Condition, 0, len(leaves))}
	for _, leaf := range leaves {
		filter.Must = append(filter.Must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: leaf.Field,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: fmt.Sprintf("%v", leaf.Value)},
					},
				},
			},
		})
	}
	return filter
}

func pointIDString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	if n := id.GetNum(); n != 0 {
		return fmt.Sprintf("%d", n)
	}
	return ""
}

var _ Index = (*QdrantIndex)(nil)
