// Package snapshot implements the coordinator's optional persisted-state
// collaborator: the registry and the scheduler queue are periodically
// serialized as line-delimited JSON objects, tagged with a monotonic
// epoch, and written to object storage. The dependency graph is not part
// of a snapshot. On restart the coordinator replays the object with the
// highest epoch; if that object cannot be decoded, LoadLatest returns an
// error rather than falling back to an older one, and replayed objects
// are left in the bucket.
package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/minio/minio-go/v7"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stricklysoft/agentcoord/internal/registry"
	"github.com/stricklysoft/agentcoord/internal/scheduler"
	mc "github.com/stricklysoft/agentcoord/pkg/clients/minio"
	sserr "github.com/stricklysoft/agentcoord/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/stricklysoft/agentcoord/internal/snapshot"

// State is one persisted image of the coordinator's mutable state: every
// registered agent and every tracked task, as of SavedAt.
type State struct {
	Epoch   int64             `json:"epoch"`
	SavedAt time.Time         `json:"saved_at"`
	Agents  []registry.Record `json:"agents"`
	Tasks   []scheduler.Task  `json:"tasks"`
}

// line is one JSON line within a saved object: a discriminated union so
// the line-delimited format can, in principle, carry other record kinds
// without breaking older readers. The current writer emits one header
// line per object, followed by one line per agent and one line per task.
type line struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

const (
	lineKindHeader = "header"
	lineKindAgent  = "agent"
	lineKindTask   = "task"
)

// header carries the fields of State other than the slices, which are
// instead emitted as one line per element.
type header struct {
	Epoch   int64     `json:"epoch"`
	SavedAt time.Time `json:"saved_at"`
}

// Config holds the snapshot store's tunables.
type Config struct {
	// Bucket is the MinIO bucket snapshots are written to and read from.
	Bucket string

	// ObjectPrefix namespaces snapshot object keys within the bucket,
	// e.g. when multiple coordinator deployments share a bucket.
	ObjectPrefix string
}

// DefaultConfig returns the snapshot store defaults.
func DefaultConfig() Config {
	return Config{
		Bucket:       "agentcoord-snapshots",
		ObjectPrefix: "snapshots/",
	}
}

// Store persists and replays coordinator state through a MinIO-backed
// object store. It is safe for concurrent use.
type Store struct {
	client *mc.Client
	cfg    Config
	epoch  atomic.Int64
	tracer trace.Tracer

	seedOnce sync.Once
}

// NewStore constructs a Store around an already-connected MinIO client.
func NewStore(client *mc.Client, cfg Config) *Store {
	if cfg.Bucket == "" {
		cfg = DefaultConfig()
	}
	return &Store{
		client: client,
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
	}
}

// objectKey formats a zero-padded, lexicographically-sortable key for
// the given epoch, so ListObjects's lexicographic order is also
// numeric order.
func (s *Store) objectKey(epoch int64) string {
	return fmt.Sprintf("%s%020d.jsonl", s.cfg.ObjectPrefix, epoch)
}

// Save writes state as a new object tagged with the next monotonic
// epoch, encoded as one JSON object per line (a header line followed by
// one line per agent and one line per task). It ensures the bucket
// exists before the first write. The epoch counter is seeded from the
// highest epoch already present in the bucket on the first call, so a
// restarted coordinator never reuses (and silently overwrites) an epoch
// from its previous run.
func (s *Store) Save(ctx context.Context, state State) error {
	ctx, span := s.tracer.Start(ctx, "snapshot.Save")
	defer span.End()

	s.seedEpoch(ctx)
	epoch := s.epoch.Add(1)
	state.Epoch = epoch
	if state.SavedAt.IsZero() {
		state.SavedAt = time.Now()
	}

	if err := s.ensureBucket(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	if err := writeLine(enc, lineKindHeader, header{Epoch: state.Epoch, SavedAt: state.SavedAt}); err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "snapshot: failed to encode header")
	}
	for _, a := range state.Agents {
		if err := writeLine(enc, lineKindAgent, a); err != nil {
			return sserr.Wrap(err, sserr.CodeInternal, "snapshot: failed to encode agent record")
		}
	}
	for _, t := range state.Tasks {
		if err := writeLine(enc, lineKindTask, t); err != nil {
			return sserr.Wrap(err, sserr.CodeInternal, "snapshot: failed to encode task record")
		}
	}

	key := s.objectKey(epoch)
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()),
		minio.PutObjectOptions{ContentType: "application/x-ndjson"})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return sserr.Wrap(err, sserr.CodeUnavailable, "snapshot: failed to write state object")
	}

	span.SetAttributes(attribute.Int64("snapshot.epoch", epoch), attribute.String("snapshot.key", key))
	return nil
}

// seedEpoch initializes the in-memory epoch counter from the highest
// epoch already persisted in the bucket, once per Store lifetime. A
// failure to list (e.g. the bucket does not exist yet) leaves the
// counter at its zero value, which is correct for a brand-new bucket.
func (s *Store) seedEpoch(ctx context.Context) {
	s.seedOnce.Do(func() {
		keys, err := s.listKeys(ctx)
		if err != nil {
			return
		}
		var max int64
		for _, k := range keys {
			if e, ok := epochFromKey(s.cfg.ObjectPrefix, k); ok && e > max {
				max = e
			}
		}
		s.epoch.Store(max)
	})
}

// epochFromKey extracts the epoch encoded in an object key produced by
// objectKey, or false if key does not match the expected shape.
func epochFromKey(prefix, key string) (int64, bool) {
	rest := strings.TrimPrefix(key, prefix)
	rest = strings.TrimSuffix(rest, ".jsonl")
	epoch, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return epoch, true
}

func writeLine(enc *json.Encoder, kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return enc.Encode(line{Kind: kind, Data: data})
}

// LoadLatest finds and decodes the most recently saved state object. The
// second return value is false if no snapshot exists yet, which is not
// an error: a coordinator's first run always starts from empty state.
func (s *Store) LoadLatest(ctx context.Context) (State, bool, error) {
	ctx, span := s.tracer.Start(ctx, "snapshot.LoadLatest")
	defer span.End()

	keys, err := s.listKeys(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return State{}, false, err
	}
	if len(keys) == 0 {
		return State{}, false, nil
	}
	sort.Strings(keys)
	latest := keys[len(keys)-1]

	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, latest, minio.GetObjectOptions{})
	if err != nil {
		return State{}, false, sserr.Wrap(err, sserr.CodeUnavailable, "snapshot: failed to open latest state object")
	}
	defer obj.Close()

	state, err := decodeState(obj)
	if err != nil {
		return State{}, false, sserr.Wrap(err, sserr.CodeInternal, "snapshot: failed to decode latest state object")
	}
	span.SetAttributes(attribute.Int64("snapshot.epoch", state.Epoch), attribute.String("snapshot.key", latest))
	return state, true, nil
}

func decodeState(r io.Reader) (State, error) {
	var state State
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var l line
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			return State{}, err
		}
		switch l.Kind {
		case lineKindHeader:
			var h header
			if err := json.Unmarshal(l.Data, &h); err != nil {
				return State{}, err
			}
			state.Epoch = h.Epoch
			state.SavedAt = h.SavedAt
		case lineKindAgent:
			var a registry.Record
			if err := json.Unmarshal(l.Data, &a); err != nil {
				return State{}, err
			}
			state.Agents = append(state.Agents, a)
		case lineKindTask:
			var t scheduler.Task
			if err := json.Unmarshal(l.Data, &t); err != nil {
				return State{}, err
			}
			state.Tasks = append(state.Tasks, t)
		}
	}
	if err := scanner.Err(); err != nil {
		return State{}, err
	}
	return state, nil
}

func (s *Store) listKeys(ctx context.Context) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: s.cfg.ObjectPrefix}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailable, "snapshot: failed to check bucket existence")
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{})
}
