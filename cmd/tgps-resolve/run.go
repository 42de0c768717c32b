package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/karrick/godirwalk"
	"github.com/sirupsen/logrus"
	shutil "github.com/termie/go-shutil"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/spf13/cobra"

	"github.com/sdboyer/tgps/gps"
	"github.com/sdboyer/tgps/log"
)

type runOptions struct {
	mongoURI    string
	pypiDB      string
	subgraphsDB string

	subgraph          string
	rootBitIndex      int
	maskField         string
	metaColl          string
	subgraphBatchSize int

	outputDir     string
	chunkCacheCap int
	diskCachePath string
	maxRounds     int

	configPath       string
	localSubgraphDir string
}

func newRunCommand(l *logrus.Logger, debug *bool) *cobra.Command {
	o := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Resolve every node in a subgraph against one pinned root version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd.Context(), l, *debug, o, cmd.Flags().Changed)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.mongoURI, "mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
	f.StringVar(&o.pypiDB, "pypi-db", "pypi_dump", "database name for the graph collections")
	f.StringVar(&o.subgraphsDB, "subgraphs-db", "subgraphs", "database name for subgraph collections")
	f.StringVar(&o.subgraph, "subgraph", "", "subgraph collection name (e.g. urllib3_subgraph)")
	f.IntVar(&o.rootBitIndex, "root-bit-index", -1, "root version bit index (default: latest)")
	f.StringVar(&o.maskField, "mask-field", "roots_bits", "field used for the bit filter on subgraph edges")
	f.StringVar(&o.metaColl, "meta-coll", "", "meta collection name (default: <subgraph>__meta)")
	f.IntVar(&o.subgraphBatchSize, "subgraph-batch-size", 100000, "batch size when streaming subgraph edges")
	f.StringVar(&o.outputDir, "output-dir", "output", "output directory for CSV and optional tree subdirectory")
	f.IntVar(&o.chunkCacheCap, "chunk-cache-cap", 200000, "in-memory LRU capacity for chunk bodies")
	f.StringVar(&o.diskCachePath, "disk-cache-path", "", "optional BoltDB file backing a second-level chunk cache")
	f.IntVar(&o.maxRounds, "max-rounds", 100, "round budget per resolution call")
	f.StringVar(&o.configPath, "config", "", "YAML config file overriding the Mongo connection and cache settings (flags still win)")
	f.StringVar(&o.localSubgraphDir, "local-subgraph-dir", "", "walk this directory for node ids instead of querying the subgraphs DB (offline testing)")
	cmd.MarkFlagRequired("subgraph")

	return cmd
}

func runResolve(ctx context.Context, l *logrus.Logger, debug bool, o *runOptions, flagChanged func(string) bool) error {
	// stagelog prints short human-facing progress lines to stdout, the way
	// the original batch script did; l carries the structured, greppable
	// record of the same run.
	stagelog := log.New(os.Stdout)

	cfg := gps.DefaultConfig()
	if o.configPath != "" {
		fileCfg, err := gps.LoadConfig(o.configPath)
		if err != nil {
			return err
		}
		cfg = fileCfg
		stagelog.LogStagefln("load", "base config loaded from %s", o.configPath)
	}
	if flagChanged("mongo-uri") || cfg.Mongo.URI == "" {
		cfg.Mongo.URI = o.mongoURI
	}
	if flagChanged("pypi-db") {
		cfg.Mongo.Database = o.pypiDB
	}
	if flagChanged("chunk-cache-cap") {
		cfg.ChunkCacheCap = o.chunkCacheCap
	}
	if flagChanged("disk-cache-path") {
		cfg.DiskCachePath = o.diskCachePath
	}
	if !flagChanged("max-rounds") && cfg.MaxRounds > 0 {
		o.maxRounds = cfg.MaxRounds
	}

	stagelog.LogStagefln("load", "connecting to %s/%s", cfg.Mongo.URI, cfg.Mongo.Database)
	l.Info("connecting to graph store")
	store, err := gps.NewMongoStore(ctx, cfg.Mongo)
	if err != nil {
		return err
	}

	stagelog.LogStagefln("load", "loading names, arrays, and adjacency headers into memory")
	l.Info("loading resolution context")
	gctx, err := gps.NewContext(ctx, cfg, store, l)
	if err != nil {
		return err
	}
	defer gctx.Close()

	metaName := o.metaColl
	if metaName == "" {
		metaName = o.subgraph + "__meta"
	}

	var nodeList []gps.NodeId
	var rootID gps.NodeId
	var rootNameID gps.NameId
	var bitIndex int

	if o.localSubgraphDir != "" {
		nodeList, err = localSubgraphNodes(o.localSubgraphDir)
		if err != nil {
			return err
		}
		if len(nodeList) == 0 {
			return fmt.Errorf("no node ids discovered under %s", o.localSubgraphDir)
		}
		rootID = nodeList[len(nodeList)-1]
		bitIndex = 0
		nameID, ok := gctx.NodeNameID(rootID)
		if !ok {
			return fmt.Errorf("synthetic local root %d is not present in the node arrays", rootID)
		}
		rootNameID = nameID
		stagelog.LogStagefln("subgraph", "using synthetic local root %d from %s", rootID, o.localSubgraphDir)
		l.WithField("root_id", rootID).Warn("using synthetic local root; this mode is for offline smoke testing only")
	} else {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(o.mongoURI))
		if err != nil {
			return fmt.Errorf("connecting to subgraphs db: %w", err)
		}
		defer client.Disconnect(ctx)
		subDB := client.Database(o.subgraphsDB)

		rootPkg, rootVer, idx, rid, nbits, err := loadRootFromMeta(ctx, subDB.Collection(metaName), o.subgraph, o.rootBitIndex)
		if err != nil {
			return err
		}
		bitIndex = idx
		rootID = gps.NodeId(rid)
		stagelog.LogStagefln("subgraph", "root is %s %s (bit %d of %d)", rootPkg, rootVer, bitIndex, nbits)
		l.WithFields(logrus.Fields{
			"pkg": rootPkg, "version": rootVer, "bit_index": bitIndex, "root_id": rootID, "nbits": nbits,
		}).Info("resolved root")

		nameID, ok := gctx.NameID(canonicalizeName(rootPkg))
		if !ok {
			return fmt.Errorf("root package %q not found in name table", rootPkg)
		}
		rootNameID = nameID

		stagelog.LogStagefln("subgraph", "collecting nodes reachable under bit %d", bitIndex)
		nodes, err := collectSubgraphNodesForBit(ctx, subDB.Collection(o.subgraph), bitIndex, o.maskField, o.subgraphBatchSize)
		if err != nil {
			return err
		}
		nodeList = nodes
		stagelog.LogStagefln("subgraph", "%d nodes to resolve", len(nodeList))
	}

	rootTime, ok := gctx.NodeTime(rootID)
	if !ok {
		return fmt.Errorf("root node %d has no timestamp; cannot proceed", rootID)
	}

	if err := os.MkdirAll(o.outputDir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	csvPath := filepath.Join(o.outputDir, fmt.Sprintf("%s_%d.csv", o.subgraph, bitIndex))

	var treesDir string
	if debug {
		treesDir = filepath.Join(o.outputDir, fmt.Sprintf("%s_%d_resolved_trees", o.subgraph, bitIndex))
		if err := archiveExistingTreesDir(treesDir); err != nil {
			return err
		}
		if err := os.MkdirAll(treesDir, 0755); err != nil {
			return fmt.Errorf("creating trees directory: %w", err)
		}
		l.WithField("dir", treesDir).Info("resolved trees will be written here")
	}

	f, err := os.Create(csvPath)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()
	if err := w.Write([]string{"node_id", "resolved", "depth"}); err != nil {
		return err
	}

	runner := gps.NewRunner(gctx)

	stagelog.LogStagefln("resolve", "resolving %d nodes against root %d (cutoff floor %d)", len(nodeList), rootID, rootTime)

	var numResolved, numReached, numUnreached, numNotResolved int

	for i, nodeID := range nodeList {
		if i > 0 && i%10000 == 0 {
			stagelog.LogStagefln("resolve", "%d/%d done", i, len(nodeList))
		}
		nt, ok := gctx.NodeTime(nodeID)
		if !ok {
			w.Write([]string{strconv.Itoa(int(nodeID)), "false", ""})
			numNotResolved++
			continue
		}
		cutoff := nt
		if rootTime > cutoff {
			cutoff = rootTime
		}

		resolved, depth, tree, err := runner.Resolve(ctx, nodeID, rootID, rootNameID, cutoff, debug, o.maxRounds)
		if err != nil {
			return fmt.Errorf("resolving node %d: %w", nodeID, err)
		}

		if l.Level >= logrus.DebugLevel {
			l.WithFields(logrus.Fields{
				"node": nodeID, "resolved": resolved, "depth": depth, "cutoff": cutoff,
			}).Debug("node processed")
		}

		depthField := ""
		if depth >= 0 {
			depthField = strconv.Itoa(depth)
		}
		w.Write([]string{strconv.Itoa(int(nodeID)), strconv.FormatBool(resolved), depthField})

		switch {
		case !resolved:
			numNotResolved++
		case depth >= 0:
			numResolved++
			numReached++
		default:
			numResolved++
			numUnreached++
		}

		if debug && resolved && tree != nil {
			if err := writeDebugTree(treesDir, nodeID, tree); err != nil {
				return err
			}
		}
	}

	stagelog.LogStagefln("done", "%d/%d resolved (%d reached, %d resolved-but-unreachable), wrote %s",
		numResolved, len(nodeList), numReached, numUnreached, csvPath)
	l.WithFields(logrus.Fields{
		"total":            len(nodeList),
		"resolved":         numResolved,
		"reached":          numReached,
		"resolved_no_path": numUnreached,
		"not_resolved":     numNotResolved,
	}).Info("resolution complete")

	return nil
}

func loadRootFromMeta(ctx context.Context, metaColl *mongo.Collection, subgraphName string, rootBitIndex int) (pkg, version string, bitIndex, rootID, nbits int, err error) {
	var doc struct {
		Pkg          string   `bson:"pkg"`
		RootVersions []string `bson:"root_versions"`
		RootIDs      []int64  `bson:"root_ids"`
		NBits        int      `bson:"nbits"`
	}
	if err = metaColl.FindOne(ctx, bson.M{}).Decode(&doc); err != nil {
		return "", "", 0, 0, 0, fmt.Errorf("meta collection for %s is empty or unreadable: %w", subgraphName, err)
	}
	if doc.Pkg == "" || len(doc.RootVersions) == 0 || len(doc.RootVersions) != len(doc.RootIDs) {
		return "", "", 0, 0, 0, fmt.Errorf("bad meta doc for %s: missing pkg/root_versions/root_ids or length mismatch", subgraphName)
	}

	idx := rootBitIndex
	if idx < 0 {
		idx = len(doc.RootVersions) - 1
	}
	if idx >= len(doc.RootVersions) {
		return "", "", 0, 0, 0, fmt.Errorf("--root-bit-index out of range: %d, valid: 0..%d", idx, len(doc.RootVersions)-1)
	}

	nbits = doc.NBits
	if nbits == 0 {
		nbits = len(doc.RootVersions)
	}
	return doc.Pkg, doc.RootVersions[idx], idx, int(doc.RootIDs[idx]), nbits, nil
}

func collectSubgraphNodesForBit(ctx context.Context, coll *mongo.Collection, bitIndex int, maskField string, batchSize int) ([]gps.NodeId, error) {
	cur, err := coll.Find(ctx, bson.M{maskField: bson.M{"$bitsAllSet": bson.A{bitIndex}}},
		options.Find().SetProjection(bson.M{"src_id": 1, "dst_id": 1}).SetBatchSize(int32(batchSize)))
	if err != nil {
		return nil, fmt.Errorf("streaming subgraph edges: %w", err)
	}
	defer cur.Close(ctx)

	seen := make(map[gps.NodeId]struct{})
	for cur.Next(ctx) {
		var doc struct {
			SrcID int64 `bson:"src_id"`
			DstID int64 `bson:"dst_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding subgraph edge: %w", err)
		}
		seen[gps.NodeId(doc.SrcID)] = struct{}{}
		seen[gps.NodeId(doc.DstID)] = struct{}{}
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	out := make([]gps.NodeId, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// localSubgraphNodes walks dir with godirwalk and reads every regular file
// as a newline-delimited edge-list shard: each line carries one or two
// integer node ids (a bare node, or a src/dst pair), separated by commas
// or whitespace. It exists so the batch CLI can run against an
// already-exported subgraph without a live subgraphs database.
func localSubgraphNodes(dir string) ([]gps.NodeId, error) {
	seen := make(map[gps.NodeId]struct{})
	err := godirwalk.Walk(dir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			f, err := os.Open(osPathname)
			if err != nil {
				return err
			}
			defer f.Close()

			sc := bufio.NewScanner(f)
			for sc.Scan() {
				line := strings.TrimSpace(sc.Text())
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				fields := strings.FieldsFunc(line, func(r rune) bool {
					return r == ',' || r == ' ' || r == '\t'
				})
				for _, field := range fields {
					n, err := strconv.Atoi(field)
					if err != nil {
						return fmt.Errorf("%s: bad node id %q", osPathname, field)
					}
					seen[gps.NodeId(n)] = struct{}{}
				}
			}
			return sc.Err()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("walking local subgraph directory %s: %w", dir, err)
	}
	out := make([]gps.NodeId, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// archiveExistingTreesDir preserves a prior run's debug trees rather than
// silently overwriting them: if treesDir already exists, its contents are
// copied into a sibling, timestamped directory before it's removed.
func archiveExistingTreesDir(treesDir string) error {
	if _, err := os.Stat(treesDir); os.IsNotExist(err) {
		return nil
	}
	archived := treesDir + ".prev-" + strconv.FormatInt(time.Now().Unix(), 10)
	cfg := &shutil.CopyTreeOptions{
		Symlinks:     true,
		CopyFunction: shutil.Copy,
	}
	if err := shutil.CopyTree(treesDir, archived, cfg); err != nil {
		return fmt.Errorf("archiving previous trees directory: %w", err)
	}
	return os.RemoveAll(treesDir)
}

func writeDebugTree(treesDir string, nodeID gps.NodeId, tree *gps.DebugTree) error {
	path := filepath.Join(treesDir, strconv.Itoa(int(nodeID))+".json")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	return enc.Encode(tree)
}

// canonicalizeName mirrors packaging.utils.canonicalize_name: lowercase,
// with any run of -, _, or . collapsed to a single -.
var nameSepRE = regexp.MustCompile(`[-_.]+`)

func canonicalizeName(name string) string {
	return nameSepRE.ReplaceAllString(strings.ToLower(name), "-")
}
