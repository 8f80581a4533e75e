package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quatton/rvcsync/pkg/kv"
	"github.com/quatton/rvcsync/pkg/qart"
	"github.com/quatton/rvcsync/pkg/qconfig"
	"github.com/quatton/rvcsync/pkg/qlog"
	"github.com/quatton/rvcsync/pkg/qrunner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var identityArgs = []string{"--user", "alice", "--model_name", "tenor"}

func testEnv() *qconfig.EnvConfig {
	return &qconfig.EnvConfig{
		SyncEnabled:     true,
		Bucket:          "voices",
		Endpoint:        qconfig.DefaultEndpoint,
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		LeaseTTL:        time.Minute,
	}
}

// testLayout runs script through sh with the forwarded args as "$@".
func testLayout(t *testing.T, script string) *qconfig.Layout {
	t.Helper()
	l := qconfig.DefaultLayout()
	l.Root = t.TempDir()
	l.Command = []string{"sh", "-c", script, "workload"}
	return l
}

func seedModel(store *qart.MemoryStore) {
	store.Put("models/alice/tenor/model.pth", []byte("weights"))
	store.Put("models/alice/tenor/model.index", []byte("faiss"))
}

func newTestOrchestrator(env *qconfig.EnvConfig, layout *qconfig.Layout, store qart.Store, out *bytes.Buffer, opts ...Option) *Orchestrator {
	opts = append([]Option{WithStore(store), WithOutput(out), WithLogger(qlog.Discard())}, opts...)
	return New(env, layout, opts...)
}

func TestRun_Success(t *testing.T) {
	store := qart.NewMemoryStore()
	seedModel(store)
	store.Put("input/alice/tenor/song.mp3", []byte("id3"))

	script := `test -f input/song.mp3 || exit 40
test -f data/models/alice/tenor/model.pth || exit 41
echo converted > output/song_RVC.wav
echo "args: $*"`
	layout := testLayout(t, script)
	var out bytes.Buffer

	code := newTestOrchestrator(testEnv(), layout, store, &out).
		Run(context.Background(), append(identityArgs, "--input", "song", "--pitch", "2"))
	require.Equal(t, 0, code, out.String())

	assert.Contains(t, out.String(), "args: --user alice --model_name tenor --input song --pitch 2",
		"arguments are forwarded verbatim")

	keys := store.Keys()
	assert.Contains(t, keys, "output/alice/tenor/song_RVC.wav")
	assert.Contains(t, keys, "logs/alice/tenor/run.log")
	assert.Contains(t, keys, "logs/alice/tenor/run.json")

	var history []string
	for _, k := range keys {
		if strings.HasPrefix(k, "logs/alice/tenor/history/") && strings.HasSuffix(k, "/run.log") {
			history = append(history, k)
		}
	}
	assert.Len(t, history, 1)

	logged, ok := store.Get("logs/alice/tenor/run.log")
	require.True(t, ok)
	assert.Contains(t, string(logged), "args:")

	run, err := qrunner.LoadRun(filepath.Join(layout.Root, "data", "logs", "alice", "tenor", "run.json"))
	require.NoError(t, err)
	assert.Equal(t, "input/alice/tenor/song.mp3", run.Metadata["input_key"])
	assert.Equal(t, 0, run.ExitCode)
}

func TestRun_MissingIdentity(t *testing.T) {
	store := qart.NewMemoryStore()
	layout := testLayout(t, "exit 0")

	for _, args := range [][]string{
		{"--input", "song"},
		{"--user", "alice", "--input", "song"},
		{"--model_name", "tenor"},
	} {
		code := newTestOrchestrator(testEnv(), layout, store, &bytes.Buffer{}).Run(context.Background(), args)
		assert.Equal(t, 1, code, "%v", args)
	}

	entries, err := os.ReadDir(layout.Root)
	require.NoError(t, err)
	assert.Empty(t, entries, "no directories are created")
	assert.Zero(t, store.TotalOps(), "no store calls are made")
}

func TestRun_MissingCredentials(t *testing.T) {
	env := testEnv()
	env.SecretAccessKey = ""
	store := qart.NewMemoryStore()

	code := newTestOrchestrator(env, testLayout(t, "exit 0"), store, &bytes.Buffer{}).
		Run(context.Background(), append(identityArgs, "--input", "song"))
	assert.Equal(t, 1, code)
	assert.Zero(t, store.TotalOps())
}

func TestRun_InputRequiredWhenSyncing(t *testing.T) {
	store := qart.NewMemoryStore()
	code := newTestOrchestrator(testEnv(), testLayout(t, "exit 0"), store, &bytes.Buffer{}).
		Run(context.Background(), identityArgs)
	assert.Equal(t, 1, code)
}

func TestRun_MissingModel(t *testing.T) {
	store := qart.NewMemoryStore()
	store.Put("models/alice/tenor/model.index", []byte("faiss"))
	store.Put("input/alice/tenor/song.wav", []byte("riff"))

	layout := testLayout(t, "touch ran")
	code := newTestOrchestrator(testEnv(), layout, store, &bytes.Buffer{}).
		Run(context.Background(), append(identityArgs, "--input", "song"))

	assert.Equal(t, 2, code)
	assert.NoFileExists(t, filepath.Join(layout.Root, "ran"), "workload must not start")
	assert.Zero(t, store.Ops()["upload"])
}

func TestRun_InputUnresolved(t *testing.T) {
	store := qart.NewMemoryStore()
	seedModel(store)

	layout := testLayout(t, "touch ran")
	code := newTestOrchestrator(testEnv(), layout, store, &bytes.Buffer{}).
		Run(context.Background(), append(identityArgs, "--input", "song"))

	assert.Equal(t, 3, code)
	assert.NoFileExists(t, filepath.Join(layout.Root, "ran"))
	assert.Zero(t, store.Ops()["download"], "nothing is downloaded before the input resolves")
}

func TestRun_DownloadFailure(t *testing.T) {
	store := qart.NewMemoryStore()
	seedModel(store)
	store.Put("input/alice/tenor/song.wav", []byte("riff"))
	store.FailDownloads = errors.New("503")

	code := newTestOrchestrator(testEnv(), testLayout(t, "exit 0"), store, &bytes.Buffer{}).
		Run(context.Background(), append(identityArgs, "--input", "song"))
	assert.Equal(t, 4, code)
}

func TestRun_InputKeyOverride(t *testing.T) {
	store := qart.NewMemoryStore()
	seedModel(store)
	store.Put("batch/2024/take3.flac", []byte("flac"))

	env := testEnv()
	env.InputKey = "batch/2024/take3.flac"

	code := newTestOrchestrator(env, testLayout(t, "test -f input/take3.flac"), store, &bytes.Buffer{}).
		Run(context.Background(), identityArgs)
	assert.Equal(t, 0, code)
}

func TestRun_WorkloadExitCodeSurvivesUploadFailure(t *testing.T) {
	store := qart.NewMemoryStore()
	seedModel(store)
	store.Put("input/alice/tenor/song.wav", []byte("riff"))
	store.FailUploads = errors.New("403 forbidden")

	code := newTestOrchestrator(testEnv(), testLayout(t, "echo partial > output/x.wav; exit 9"), store, &bytes.Buffer{}).
		Run(context.Background(), append(identityArgs, "--input", "song.wav"))
	assert.Equal(t, 9, code)
	assert.NotZero(t, store.Ops()["upload"], "upload was attempted")
}

func TestRun_WorkloadNotStarted(t *testing.T) {
	store := qart.NewMemoryStore()
	seedModel(store)
	store.Put("input/alice/tenor/song.wav", []byte("riff"))

	layout := testLayout(t, "")
	layout.Command = []string{"/no/such/workload"}

	code := newTestOrchestrator(testEnv(), layout, store, &bytes.Buffer{}).
		Run(context.Background(), append(identityArgs, "--input", "song.wav"))
	assert.Equal(t, 127, code)

	logged, ok := store.Get("logs/alice/tenor/run.log")
	require.True(t, ok, "the start failure log is still uploaded")
	assert.Contains(t, string(logged), "could not start")
}

func TestRun_OutputUploadIsAdditive(t *testing.T) {
	store := qart.NewMemoryStore()
	seedModel(store)
	store.Put("input/alice/tenor/song.wav", []byte("riff"))
	args := append(identityArgs, "--input", "song.wav")

	// Two workers, each with a fresh workspace.
	for _, name := range []string{"first_RVC.wav", "second_RVC.wav"} {
		code := newTestOrchestrator(testEnv(), testLayout(t, "echo x > output/"+name), store, &bytes.Buffer{}).
			Run(context.Background(), args)
		require.Equal(t, 0, code)
	}

	keys := store.Keys()
	assert.Contains(t, keys, "output/alice/tenor/first_RVC.wav")
	assert.Contains(t, keys, "output/alice/tenor/second_RVC.wav")
}

func TestRun_SyncDisabled(t *testing.T) {
	store := qart.NewMemoryStore()
	env := &qconfig.EnvConfig{SyncEnabled: false}
	layout := testLayout(t, "echo local > output/out.wav")

	modelDir := filepath.Join(layout.Root, "data", "models", "alice", "tenor")
	require.NoError(t, os.MkdirAll(modelDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "model.pth"), []byte("w"), 0o644))

	code := newTestOrchestrator(env, layout, store, &bytes.Buffer{}).Run(context.Background(), identityArgs)
	assert.Equal(t, 0, code)
	assert.Zero(t, store.TotalOps(), "store is never touched")
	assert.FileExists(t, filepath.Join(layout.Root, "data", "output", "alice", "tenor", "out.wav"))
}

func TestRun_LeaseHeld(t *testing.T) {
	store := qart.NewMemoryStore()
	seedModel(store)
	store.Put("input/alice/tenor/song.wav", []byte("riff"))

	leases := kv.NewMemoryStore()
	held, err := kv.Acquire(context.Background(), leases, "rvcsync/lease/alice/tenor", time.Minute)
	require.NoError(t, err)

	layout := testLayout(t, "touch ran")
	args := append(identityArgs, "--input", "song.wav")

	code := newTestOrchestrator(testEnv(), layout, store, &bytes.Buffer{}, WithLeaseStore(leases)).
		Run(context.Background(), args)
	assert.Equal(t, 6, code)
	assert.NoFileExists(t, filepath.Join(layout.Root, "ran"))

	require.NoError(t, held.Release(context.Background()))
	code = newTestOrchestrator(testEnv(), layout, store, &bytes.Buffer{}, WithLeaseStore(leases)).
		Run(context.Background(), args)
	assert.Equal(t, 0, code)

	// Released after the run.
	again, err := kv.Acquire(context.Background(), leases, "rvcsync/lease/alice/tenor", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(context.Background()))
}

func TestRun_UnsafeIdentityTouchesNothing(t *testing.T) {
	store := qart.NewMemoryStore()
	store.Put("models/model.pth", []byte("weights"))
	store.Put("input/song.wav", []byte("riff"))

	layout := testLayout(t, "touch ran")
	keep := filepath.Join(layout.Root, "data", "output", "bob", "bass", "keep.wav")
	require.NoError(t, os.MkdirAll(filepath.Dir(keep), 0o755))
	require.NoError(t, os.WriteFile(keep, []byte("not uploaded yet"), 0o644))

	for _, args := range [][]string{
		{"--user", "..", "--model_name", "..", "--input", "song.wav"},
		{"--user", "a/b", "--model_name", "c", "--input", "song.wav"},
		{"--user", "a", "--model_name", "b/c", "--input", "song.wav"},
	} {
		code := newTestOrchestrator(testEnv(), layout, store, &bytes.Buffer{}).Run(context.Background(), args)
		assert.Equal(t, 1, code, "%v", args)
	}

	assert.FileExists(t, keep, "another identity's files survive")
	assert.NoFileExists(t, filepath.Join(layout.Root, "ran"))
	assert.NoDirExists(t, filepath.Join(layout.Root, "data", "models"))
	assert.Zero(t, store.TotalOps())
}

type closeFailingLeases struct{ *kv.MemoryStore }

func (closeFailingLeases) Close() error { return errors.New("connection already closed") }

func TestCloseLeasesLogsFailure(t *testing.T) {
	var logs bytes.Buffer
	o := New(testEnv(), qconfig.DefaultLayout(), WithLogger(qlog.NewLogger(qlog.ParseLevel("debug"), &logs)))

	o.closeLeases(closeFailingLeases{kv.NewMemoryStore()})
	assert.Contains(t, logs.String(), "failed to close lease store")
	assert.Contains(t, logs.String(), "connection already closed")
}
