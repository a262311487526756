package qdrant

import (
	"context"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.VectorIndex = (*VectorIndex)(nil)

// pointNamespace derives stable point UUIDs from chunk IDs.
var pointNamespace = uuid.MustParse("8f5d3c9e-3b1e-4c55-9d7a-52b0c1f1a6e4")

// PointsAPI is the subset of pb.PointsClient the index uses.
type PointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Get(ctx context.Context, in *pb.GetPoints, opts ...grpc.CallOption) (*pb.GetResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

// CollectionsAPI is the subset of pb.CollectionsClient the index uses.
type CollectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorIndex implements driven.VectorIndex on Qdrant.
//
// Each (tenant, model) pair gets its own cosine collection named
// <prefix>_<hex(tenant)>_<fnv(model)>, so no query can reach another
// tenant's points. The payload carries chunk, document and tenant IDs and
// an insertion sequence used to order equal scores.
type VectorIndex struct {
	conn        *grpc.ClientConn
	points      PointsAPI
	collections CollectionsAPI
	prefix      string

	seq   atomic.Int64
	mu    sync.Mutex
	known map[string]bool
}

// New dials Qdrant's gRPC endpoint.
func New(addr, prefix string) (*VectorIndex, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant: dial %s: %w", addr, err)
	}
	v := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), prefix)
	v.conn = conn
	return v, nil
}

// NewWithClients builds an index over existing clients.
func NewWithClients(points PointsAPI, collections CollectionsAPI, prefix string) *VectorIndex {
	if prefix == "" {
		prefix = "sercha"
	}
	v := &VectorIndex{
		points:      points,
		collections: collections,
		prefix:      prefix,
		known:       make(map[string]bool),
	}
	// Seeded from the clock so sequences keep growing across restarts.
	v.seq.Store(time.Now().UnixNano())
	return v
}

func (v *VectorIndex) tenantPrefix(tenantID string) string {
	return v.prefix + "_" + hex.EncodeToString([]byte(tenantID)) + "_"
}

func (v *VectorIndex) collectionName(tenantID, model string) string {
	h := fnv.New64a()
	h.Write([]byte(model))
	return fmt.Sprintf("%s%016x", v.tenantPrefix(tenantID), h.Sum64())
}

func pointID(chunkID string) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: uuid.NewSHA1(pointNamespace, []byte(chunkID)).String()}}
}

// ensureCollection creates the collection on first use.
func (v *VectorIndex) ensureCollection(ctx context.Context, name string, dims int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.known[name] {
		return nil
	}

	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("qdrant: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == name {
			v.known[name] = true
			return nil
		}
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: uint64(dims), Distance: pb.Distance_Cosine},
			},
		},
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("qdrant: create collection %s: %w", name, err)
	}
	v.known[name] = true
	return nil
}

// existingSeqs returns the stored sequence of points already present.
func (v *VectorIndex) existingSeqs(ctx context.Context, collection string, ids []*pb.PointId) (map[string]int64, error) {
	resp, err := v.points.Get(ctx, &pb.GetPoints{
		CollectionName: collection,
		Ids:            ids,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: get points: %w", err)
	}
	seqs := make(map[string]int64, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		if seq, ok := p.GetPayload()["seq"]; ok {
			seqs[p.GetId().GetUuid()] = seq.GetIntegerValue()
		}
	}
	return seqs, nil
}

// Upsert adds or replaces vectors, keeping the sequence of replaced points.
func (v *VectorIndex) Upsert(ctx context.Context, tenantID string, embeddings []domain.Embedding) error {
	byCollection := make(map[string][]domain.Embedding)
	var order []string
	for _, e := range embeddings {
		if e.TenantID != tenantID {
			return fmt.Errorf("%w: embedding for chunk %s belongs to another tenant", domain.ErrInvalidInput, e.ChunkID)
		}
		if len(e.Vector) == 0 || len(e.Vector) != e.Dimensions {
			return fmt.Errorf("%w: chunk %s has %d values, want %d", domain.ErrInvalidInput, e.ChunkID, len(e.Vector), e.Dimensions)
		}
		name := v.collectionName(tenantID, e.Model)
		if _, ok := byCollection[name]; !ok {
			order = append(order, name)
		}
		byCollection[name] = append(byCollection[name], e)
	}

	for _, name := range order {
		batch := byCollection[name]
		if err := v.ensureCollection(ctx, name, batch[0].Dimensions); err != nil {
			return err
		}

		ids := make([]*pb.PointId, len(batch))
		for i, e := range batch {
			ids[i] = pointID(e.ChunkID)
		}
		seqs, err := v.existingSeqs(ctx, name, ids)
		if err != nil {
			return err
		}

		points := make([]*pb.PointStruct, len(batch))
		for i, e := range batch {
			seq, ok := seqs[ids[i].GetUuid()]
			if !ok {
				seq = v.seq.Add(1)
			}
			points[i] = &pb.PointStruct{
				Id:      ids[i],
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: e.Vector}}},
				Payload: map[string]*pb.Value{
					"chunk_id":    stringValue(e.ChunkID),
					"document_id": stringValue(e.DocumentID),
					"tenant_id":   stringValue(tenantID),
					"seq":         {Kind: &pb.Value_IntegerValue{IntegerValue: seq}},
				},
			}
		}

		wait := true
		_, err = v.points.Upsert(ctx, &pb.UpsertPoints{CollectionName: name, Wait: &wait, Points: points})
		if status.Code(err) == codes.InvalidArgument {
			return fmt.Errorf("%w: qdrant rejected points: %v", domain.ErrInvalidInput, err)
		}
		if err != nil {
			return fmt.Errorf("qdrant: upsert %d points: %w", len(points), err)
		}
	}
	return nil
}

// Search returns up to topK nearest chunks within the tenant's model collection.
func (v *VectorIndex) Search(ctx context.Context, tenantID, model string, vector []float32, topK int) ([]domain.VectorHit, error) {
	if topK <= 0 {
		return nil, nil
	}
	resp, err := v.points.Search(ctx, &pb.SearchPoints{
		CollectionName: v.collectionName(tenantID, model),
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("qdrant: search: %w", err)
	}

	hits := make([]domain.VectorHit, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		p := r.GetPayload()
		hits = append(hits, domain.VectorHit{
			ChunkID:    p["chunk_id"].GetStringValue(),
			DocumentID: p["document_id"].GetStringValue(),
			TenantID:   p["tenant_id"].GetStringValue(),
			Similarity: float64(r.GetScore()),
			Seq:        p["seq"].GetIntegerValue(),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Seq < hits[j].Seq
	})
	return hits, nil
}

// DeleteDocument removes the document's points from every model collection of the tenant.
func (v *VectorIndex) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("qdrant: list collections: %w", err)
	}

	prefix := v.tenantPrefix(tenantID)
	wait := true
	for _, c := range list.GetCollections() {
		if !strings.HasPrefix(c.GetName(), prefix) {
			continue
		}
		_, err := v.points.Delete(ctx, &pb.DeletePoints{
			CollectionName: c.GetName(),
			Wait:           &wait,
			Points: &pb.PointsSelector{
				PointsSelectorOneOf: &pb.PointsSelector_Filter{
					Filter: &pb.Filter{Must: []*pb.Condition{fieldMatch("document_id", documentID)}},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("qdrant: delete document %s: %w", documentID, err)
		}
	}
	return nil
}

// HealthCheck lists collections to verify the server answers.
func (v *VectorIndex) HealthCheck(ctx context.Context) error {
	if _, err := v.collections.List(ctx, &pb.ListCollectionsRequest{}); err != nil {
		return fmt.Errorf("qdrant: health check: %w", err)
	}
	return nil
}

// Close closes the gRPC connection when the index dialed it.
func (v *VectorIndex) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}
