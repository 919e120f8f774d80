package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/url"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/stricklysoft/agentcoord/internal/ids"
	"github.com/stricklysoft/agentcoord/internal/registry"
	"github.com/stricklysoft/agentcoord/internal/scheduler"
	mc "github.com/stricklysoft/agentcoord/pkg/clients/minio"
)

// mockObjectStore is a testify/mock implementation of mc.ObjectStore,
// mirroring the pattern used by pkg/clients/minio's own tests.
type mockObjectStore struct {
	mock.Mock
}

func (m *mockObjectStore) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	args := m.Called(ctx, bucketName, objectName, reader, objectSize, opts)
	return args.Get(0).(minio.UploadInfo), args.Error(1)
}

func (m *mockObjectStore) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error) {
	args := m.Called(ctx, bucketName, objectName, opts)
	obj, _ := args.Get(0).(*minio.Object)
	return obj, args.Error(1)
}

func (m *mockObjectStore) RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error {
	args := m.Called(ctx, bucketName, objectName, opts)
	return args.Error(0)
}

func (m *mockObjectStore) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	args := m.Called(ctx, bucketName, objectName, opts)
	return args.Get(0).(minio.ObjectInfo), args.Error(1)
}

func (m *mockObjectStore) ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	args := m.Called(ctx, bucketName, opts)
	return args.Get(0).(<-chan minio.ObjectInfo)
}

func (m *mockObjectStore) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	args := m.Called(ctx, bucketName)
	return args.Bool(0), args.Error(1)
}

func (m *mockObjectStore) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	args := m.Called(ctx, bucketName, opts)
	return args.Error(0)
}

func (m *mockObjectStore) RemoveBucket(ctx context.Context, bucketName string) error {
	args := m.Called(ctx, bucketName)
	return args.Error(0)
}

func (m *mockObjectStore) PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error) {
	args := m.Called(ctx, bucketName, objectName, expires, reqParams)
	u, _ := args.Get(0).(*url.URL)
	return u, args.Error(1)
}

func (m *mockObjectStore) PresignedPutObject(ctx context.Context, bucketName, objectName string, expires time.Duration) (*url.URL, error) {
	args := m.Called(ctx, bucketName, objectName, expires)
	u, _ := args.Get(0).(*url.URL)
	return u, args.Error(1)
}

func closedObjectInfoChan() <-chan minio.ObjectInfo {
	ch := make(chan minio.ObjectInfo)
	close(ch)
	return ch
}

func TestStore_Save_CreatesBucketWhenMissing(t *testing.T) {
	ms := &mockObjectStore{}
	ms.On("ListObjects", mock.Anything, "agentcoord-snapshots", minio.ListObjectsOptions{Prefix: "snapshots/"}).
		Return(closedObjectInfoChan())
	ms.On("BucketExists", mock.Anything, "agentcoord-snapshots").Return(false, nil)
	ms.On("MakeBucket", mock.Anything, "agentcoord-snapshots", minio.MakeBucketOptions{}).Return(nil)
	ms.On("PutObject", mock.Anything, "agentcoord-snapshots", mock.AnythingOfType("string"), mock.Anything, mock.Anything, mock.Anything).
		Return(minio.UploadInfo{}, nil)

	client := mc.NewFromStore(ms, nil)
	store := NewStore(client, DefaultConfig())

	err := store.Save(context.Background(), State{
		Agents: []registry.Record{{ID: ids.AgentID("agent-1")}},
		Tasks:  []scheduler.Task{{ID: ids.NewTaskID(), Status: ids.TaskStatusPending}},
	})
	require.NoError(t, err)
	ms.AssertExpectations(t)
}

func TestStore_Save_SkipsMakeBucketWhenPresent(t *testing.T) {
	ms := &mockObjectStore{}
	ms.On("ListObjects", mock.Anything, "agentcoord-snapshots", minio.ListObjectsOptions{Prefix: "snapshots/"}).
		Return(closedObjectInfoChan())
	ms.On("BucketExists", mock.Anything, "agentcoord-snapshots").Return(true, nil)
	ms.On("PutObject", mock.Anything, "agentcoord-snapshots", mock.AnythingOfType("string"), mock.Anything, mock.Anything, mock.Anything).
		Return(minio.UploadInfo{}, nil)

	client := mc.NewFromStore(ms, nil)
	store := NewStore(client, DefaultConfig())

	err := store.Save(context.Background(), State{})
	require.NoError(t, err)
	ms.AssertNotCalled(t, "MakeBucket", mock.Anything, mock.Anything, mock.Anything)
}

func TestStore_Save_SeedsEpochFromExistingObjects(t *testing.T) {
	store := NewStore(nil, DefaultConfig())

	ms := &mockObjectStore{}
	existing := make(chan minio.ObjectInfo, 2)
	existing <- minio.ObjectInfo{Key: store.objectKey(5)}
	existing <- minio.ObjectInfo{Key: store.objectKey(7)}
	close(existing)
	ms.On("ListObjects", mock.Anything, "agentcoord-snapshots", minio.ListObjectsOptions{Prefix: "snapshots/"}).
		Return((<-chan minio.ObjectInfo)(existing))
	ms.On("BucketExists", mock.Anything, "agentcoord-snapshots").Return(true, nil)

	var savedKey string
	ms.On("PutObject", mock.Anything, "agentcoord-snapshots", mock.AnythingOfType("string"), mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { savedKey = args.String(2) }).
		Return(minio.UploadInfo{}, nil)

	store.client = mc.NewFromStore(ms, nil)

	require.NoError(t, store.Save(context.Background(), State{}))
	require.Equal(t, store.objectKey(8), savedKey)
}

func TestStore_LoadLatest_NoObjectsReturnsNotFound(t *testing.T) {
	ms := &mockObjectStore{}
	ms.On("ListObjects", mock.Anything, "agentcoord-snapshots", minio.ListObjectsOptions{Prefix: "snapshots/"}).
		Return(closedObjectInfoChan())

	client := mc.NewFromStore(ms, nil)
	store := NewStore(client, DefaultConfig())

	_, found, err := store.LoadLatest(context.Background())
	require.NoError(t, err)
	require.False(t, found)
}

func TestDecodeState_RoundTrip(t *testing.T) {
	taskID := ids.NewTaskID()
	var buf bytes.Buffer
	mustWriteLine(t, &buf, lineKindHeader, header{Epoch: 3, SavedAt: time.Unix(0, 0).UTC()})
	mustWriteLine(t, &buf, lineKindAgent, registry.Record{ID: ids.AgentID("agent-1"), Name: "worker"})
	mustWriteLine(t, &buf, lineKindTask, scheduler.Task{ID: taskID, Status: ids.TaskStatusPending})

	state, err := decodeState(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(3), state.Epoch)
	require.Len(t, state.Agents, 1)
	require.Equal(t, ids.AgentID("agent-1"), state.Agents[0].ID)
	require.Len(t, state.Tasks, 1)
	require.Equal(t, taskID, state.Tasks[0].ID)
}

func mustWriteLine(t *testing.T, buf *bytes.Buffer, kind string, v any) {
	t.Helper()
	enc := json.NewEncoder(buf)
	require.NoError(t, writeLine(enc, kind, v))
}
