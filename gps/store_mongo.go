package gps

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sdboyer/constext"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoStore is the production Store: it streams the five bulk backing
// collections at load time and serves individual chunk lookups against the
// sixth. Grounded on pipstyle/loader.py's load_context, translated from
// pymongo's cursor-with-projection idiom to the mongo-driver equivalent.
type mongoStore struct {
	db *mongo.Database

	nodeIDs    *mongo.Collection
	nameIDs    *mongo.Collection
	nodeTimes  *mongo.Collection
	adjDeps    *mongo.Collection
	adjHeaders *mongo.Collection
	adjChunks  *mongo.Collection
}

// NewMongoStore connects to cfg.Mongo.URI and returns a Store backed by it.
// The connection is verified with a Ping before returning.
func NewMongoStore(ctx context.Context, cfg MongoConfig) (Store, error) {
	// Bulk loads can legitimately take longer than a caller's own deadline
	// intends for the *connect* step; merge the caller's context with a
	// fresh background one so cancellation of one doesn't starve the other,
	// mirroring the source-manager's use of constext for cache operations
	// that must outlive a single request.
	connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	merged, cancelMerge := constext.Cons(ctx, connectCtx)
	defer cancelMerge()

	client, err := mongo.Connect(merged, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, errors.Wrap(err, "connecting to mongo")
	}
	if err := client.Ping(merged, nil); err != nil {
		return nil, errors.Wrap(err, "pinging mongo")
	}

	db := client.Database(cfg.Database)
	return &mongoStore{
		db:         db,
		nodeIDs:    db.Collection(cfg.NodeIDsCollection),
		nameIDs:    db.Collection(cfg.NameIDsCollection),
		nodeTimes:  db.Collection(cfg.NodeTimesCollection),
		adjDeps:    db.Collection(cfg.AdjDepsCollection),
		adjHeaders: db.Collection(cfg.AdjHeadersCollection),
		adjChunks:  db.Collection(cfg.AdjChunksCollection),
	}, nil
}

func (s *mongoStore) LoadNames(ctx context.Context) (map[NameId]string, error) {
	cur, err := s.nameIDs.Find(ctx, bson.M{}, options.Find().SetBatchSize(50000).
		SetProjection(bson.M{"name": 1, "id": 1}))
	if err != nil {
		return nil, errors.Wrap(err, "querying name_ids")
	}
	defer cur.Close(ctx)

	names := make(map[NameId]string)
	for cur.Next(ctx) {
		var doc struct {
			ID   int64  `bson:"id"`
			Name string `bson:"name"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "decoding name_ids document")
		}
		names[NameId(doc.ID)] = doc.Name
	}
	return names, cur.Err()
}

func (s *mongoStore) LoadArrays(ctx context.Context) (Arrays, error) {
	maxID := 0

	nodeCur, err := s.nodeIDs.Find(ctx, bson.M{}, options.Find().SetBatchSize(50000).
		SetProjection(bson.M{"id": 1, "name": 1}))
	if err != nil {
		return Arrays{}, errors.Wrap(err, "querying node_ids")
	}
	type nodeIdentityDoc struct {
		ID   int64  `bson:"id"`
		Name string `bson:"name"`
	}
	var nodeDocs []nodeIdentityDoc
	for nodeCur.Next(ctx) {
		var d nodeIdentityDoc
		if err := nodeCur.Decode(&d); err != nil {
			nodeCur.Close(ctx)
			return Arrays{}, errors.Wrap(err, "decoding node_ids document")
		}
		if int(d.ID) > maxID {
			maxID = int(d.ID)
		}
		nodeDocs = append(nodeDocs, d)
	}
	nodeCur.Close(ctx)
	if err := nodeCur.Err(); err != nil {
		return Arrays{}, errors.Wrap(err, "iterating node_ids")
	}

	timeCur, err := s.nodeTimes.Find(ctx, bson.M{}, options.Find().SetBatchSize(100000))
	if err != nil {
		return Arrays{}, errors.Wrap(err, "querying node times")
	}
	type nodeTimeDoc struct {
		ID              int64      `bson:"_id"`
		PyMask          *uint32    `bson:"py_mask"`
		FirstUploadTime *time.Time `bson:"first_upload_time"`
	}
	var timeDocs []nodeTimeDoc
	for timeCur.Next(ctx) {
		var d nodeTimeDoc
		if err := timeCur.Decode(&d); err != nil {
			timeCur.Close(ctx)
			return Arrays{}, errors.Wrap(err, "decoding node time document")
		}
		if int(d.ID) > maxID {
			maxID = int(d.ID)
		}
		timeDocs = append(timeDocs, d)
	}
	timeCur.Close(ctx)
	if err := timeCur.Err(); err != nil {
		return Arrays{}, errors.Wrap(err, "iterating node times")
	}

	names, err := s.LoadNames(ctx)
	if err != nil {
		return Arrays{}, err
	}
	nameByString := make(map[string]NameId, len(names))
	for id, name := range names {
		nameByString[name] = id
	}

	arr := Arrays{
		NodeNameID: make([]NameId, maxID+1),
		NodeTime:   make([]int64, maxID+1),
		NodePyMask: make([]uint32, maxID+1),
	}
	for i := range arr.NodeNameID {
		arr.NodeNameID[i] = -1
		arr.NodeTime[i] = -1
		arr.NodePyMask[i] = AllInterpretersMask
	}

	for _, d := range nodeDocs {
		if nameID, ok := nameByString[d.Name]; ok {
			arr.NodeNameID[d.ID] = nameID
		}
	}
	for _, d := range timeDocs {
		if d.PyMask != nil {
			arr.NodePyMask[d.ID] = *d.PyMask
		}
		if d.FirstUploadTime != nil {
			arr.NodeTime[d.ID] = d.FirstUploadTime.Unix()
		}
	}

	return arr, nil
}

func (s *mongoStore) LoadAdjDeps(ctx context.Context) (map[NodeId][]NameId, error) {
	cur, err := s.adjDeps.Find(ctx, bson.M{}, options.Find().SetBatchSize(50000).
		SetProjection(bson.M{"_id": 1, "deps": 1}))
	if err != nil {
		return nil, errors.Wrap(err, "querying adj_deps")
	}
	defer cur.Close(ctx)

	out := make(map[NodeId][]NameId)
	for cur.Next(ctx) {
		var doc struct {
			ID   int64   `bson:"_id"`
			Deps []int64 `bson:"deps"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "decoding adj_deps document")
		}
		deps := make([]NameId, len(doc.Deps))
		for i, d := range doc.Deps {
			deps[i] = NameId(d)
		}
		out[NodeId(doc.ID)] = deps
	}
	return out, cur.Err()
}

func (s *mongoStore) LoadAdjHeaders(ctx context.Context) (map[headerKey]*header, error) {
	cur, err := s.adjHeaders.Find(ctx, bson.M{}, options.Find().SetBatchSize(20000))
	if err != nil {
		return nil, errors.Wrap(err, "querying adj_headers")
	}
	defer cur.Close(ctx)

	out := make(map[headerKey]*header)
	for cur.Next(ctx) {
		var doc struct {
			SrcID     int64   `bson:"src_id"`
			DepNameID int64   `bson:"dep_name_id"`
			Mi        []int64 `bson:"mi"`
			Ma        []int64 `bson:"ma"`
			N         []int   `bson:"n"`
			Total     int     `bson:"total"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "decoding adj_headers document")
		}
		if len(doc.Mi) != len(doc.N) || len(doc.Ma) != len(doc.N) {
			return nil, errors.Errorf("malformed header for (%d, %d): mismatched chunk array lengths", doc.SrcID, doc.DepNameID)
		}
		out[headerKey{Src: NodeId(doc.SrcID), Dep: NameId(doc.DepNameID)}] = &header{
			mi:    doc.Mi,
			ma:    doc.Ma,
			n:     doc.N,
			total: doc.Total,
		}
	}
	return out, cur.Err()
}

func (s *mongoStore) FetchChunk(ctx context.Context, src NodeId, dep NameId, chunk int) ([]NodeId, error) {
	var doc struct {
		DstIDs []int64 `bson:"dst_ids"`
	}
	err := s.adjChunks.FindOne(ctx, bson.M{
		"src_id":      int64(src),
		"dep_name_id": int64(dep),
		"chunk":       chunk,
	}, options.FindOne().SetProjection(bson.M{"dst_ids": 1})).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "fetching chunk (%d, %d, %d)", src, dep, chunk)
	}
	ids := make([]NodeId, len(doc.DstIDs))
	for i, id := range doc.DstIDs {
		ids[i] = NodeId(id)
	}
	return ids, nil
}
