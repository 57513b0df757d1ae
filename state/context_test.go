package state_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantaleaf/orchest/state"
)

func TestBasicDataOperations(t *testing.T) {
	c := state.NewContext("basic")

	require.NoError(t, c.Set("symbol", "EURUSD"))
	v, ok := c.Get("symbol")
	require.True(t, ok)
	assert.Equal(t, "EURUSD", v)

	assert.Equal(t, "fallback", c.GetDefault("missing", "fallback"))
	assert.True(t, c.Has("symbol"))

	c.Delete("symbol")
	assert.False(t, c.Has("symbol"))

	require.NoError(t, c.Merge(map[string]any{"a": 1, "b": 2}))
	assert.ElementsMatch(t, []string{"a", "b"}, c.Keys())

	c.Clear()
	assert.Empty(t, c.Keys())
}

func TestParentInheritance(t *testing.T) {
	parent := state.NewContext("parent")
	require.NoError(t, parent.Set("shared", "from-parent"))
	require.NoError(t, parent.Set("stable", "untouched"))

	child := state.NewContext("child", state.WithParent(parent))

	t.Run("read-through on miss", func(t *testing.T) {
		v, ok := child.Get("shared")
		require.True(t, ok)
		assert.Equal(t, "from-parent", v)
	})

	t.Run("writes stay local and shadow the parent", func(t *testing.T) {
		require.NoError(t, child.Set("shared", "from-child"))
		v, _ := child.Get("shared")
		assert.Equal(t, "from-child", v)
		v, _ = parent.Get("shared")
		assert.Equal(t, "from-parent", v)
	})

	t.Run("later parent writes show through uncovered keys", func(t *testing.T) {
		require.NoError(t, parent.Set("stable", "updated"))
		v, _ := child.Get("stable")
		assert.Equal(t, "updated", v)
	})

	t.Run("child override survives later parent writes", func(t *testing.T) {
		require.NoError(t, parent.Set("shared", "parent-again"))
		v, _ := child.Get("shared")
		assert.Equal(t, "from-child", v)
	})

	t.Run("delete re-exposes the parent value", func(t *testing.T) {
		child.Delete("shared")
		v, _ := child.Get("shared")
		assert.Equal(t, "parent-again", v)
	})
}

func TestValidationRules(t *testing.T) {
	c := state.NewContext("validated")
	c.SetValidationRules(map[string]state.ValidationRule{
		"quantity": func(v any) error {
			n, ok := v.(int)
			if !ok || n < 0 {
				return errors.New("quantity must be a non-negative int")
			}
			return nil
		},
	})

	require.NoError(t, c.Set("quantity", 10))

	err := c.Set("quantity", -1)
	require.Error(t, err)
	assert.ErrorIs(t, err, state.ValidationFailedError)

	// The prior value is untouched.
	v, _ := c.Get("quantity")
	assert.Equal(t, 10, v)
}

func TestSizeLimit(t *testing.T) {
	c := state.NewContext("bounded", state.WithMaxSize(60))

	require.NoError(t, c.Set("small", "x"))

	err := c.Set("big", string(make([]byte, 200)))
	require.Error(t, err)
	assert.ErrorIs(t, err, state.SizeExceededError)
	assert.False(t, c.Has("big"), "an over-limit write must not partially apply")
	assert.True(t, c.Has("small"))

	t.Run("batch writes are sized together", func(t *testing.T) {
		c := state.NewContext("batched", state.WithMaxSize(50))
		half := strings.Repeat("x", 30)

		require.NoError(t, c.Set("a", half))
		c.Delete("a")

		err := c.Merge(map[string]any{"a": half, "b": half})
		require.Error(t, err, "keys that fit alone must not land together over the limit")
		assert.ErrorIs(t, err, state.SizeExceededError)
		assert.False(t, c.Has("a"))
		assert.False(t, c.Has("b"))
	})

	t.Run("append sizes the grown list", func(t *testing.T) {
		c := state.NewContext("growing", state.WithMaxSize(50))
		require.NoError(t, c.Append("log", "ok"))

		err := c.Append("log", strings.Repeat("y", 60))
		require.Error(t, err)
		assert.ErrorIs(t, err, state.SizeExceededError)
		v, _ := c.Get("log")
		assert.Equal(t, []any{"ok"}, v, "a rejected append leaves the list untouched")
	})
}

func TestSnapshotRestore(t *testing.T) {
	c := state.NewContext("snap")
	require.NoError(t, c.Set("keep", "v1"))
	require.NoError(t, c.Set("drop", "v1"))

	snap := c.CreateSnapshot()

	require.NoError(t, c.Set("keep", "v2"))
	c.Delete("drop")
	require.NoError(t, c.Set("added", "later"))

	require.NoError(t, c.RestoreSnapshot(snap))

	v, _ := c.Get("keep")
	assert.Equal(t, "v1", v)
	assert.True(t, c.Has("drop"))
	assert.False(t, c.Has("added"), "keys added after the snapshot are removed")

	t.Run("restore is idempotent", func(t *testing.T) {
		require.NoError(t, c.Set("noise", 1))
		require.NoError(t, c.RestoreSnapshot(snap))
		require.NoError(t, c.RestoreSnapshot(snap))
		assert.ElementsMatch(t, []string{"keep", "drop"}, c.Keys())
	})

	t.Run("unknown snapshot", func(t *testing.T) {
		err := c.RestoreSnapshot("no-such-id")
		assert.ErrorIs(t, err, state.SnapshotNotFoundError)
	})
}

func TestTransactionRollback(t *testing.T) {
	c := state.NewContext("tx")
	require.NoError(t, c.Set("balance", 100))
	require.NoError(t, c.Set("status", "open"))

	require.NoError(t, c.BeginTransaction())
	require.NoError(t, c.Set("balance", 42))
	c.Delete("status")
	require.NoError(t, c.Set("brand-new", true))
	require.NoError(t, c.RollbackTransaction())

	v, _ := c.Get("balance")
	assert.Equal(t, 100, v)
	v, _ = c.Get("status")
	assert.Equal(t, "open", v)
	assert.False(t, c.Has("brand-new"), "keys created inside the transaction are discarded")

	t.Run("commit keeps the writes", func(t *testing.T) {
		require.NoError(t, c.BeginTransaction())
		require.NoError(t, c.Set("balance", 7))
		require.NoError(t, c.CommitTransaction())
		v, _ := c.Get("balance")
		assert.Equal(t, 7, v)
	})

	t.Run("rollback without begin", func(t *testing.T) {
		assert.ErrorIs(t, c.RollbackTransaction(), state.NoTransactionError)
	})

	t.Run("nested begin is rejected", func(t *testing.T) {
		require.NoError(t, c.BeginTransaction())
		assert.ErrorIs(t, c.BeginTransaction(), state.TransactionActiveError)
		require.NoError(t, c.RollbackTransaction())
	})
}

func TestHistoryTracking(t *testing.T) {
	c := state.NewContext("history", state.WithHistoryTracking())

	require.NoError(t, c.Set("price", 1.0))
	require.NoError(t, c.Set("price", 2.0))
	require.NoError(t, c.Set("price", 3.0))

	entries, err := c.History("price")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 1.0, entries[0].Value)
	assert.Equal(t, 3.0, entries[2].Value)

	require.NoError(t, c.RevertToVersion("price", 0))
	v, _ := c.Get("price")
	assert.Equal(t, 1.0, v)

	// The revert appends instead of truncating.
	entries, err = c.History("price")
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	t.Run("disabled tracking", func(t *testing.T) {
		plain := state.NewContext("plain")
		_, err := plain.History("anything")
		assert.ErrorIs(t, err, state.HistoryDisabledError)
	})
}

func TestNamespaces(t *testing.T) {
	c := state.NewContext("ns")

	require.NoError(t, c.SetNS("vision", "model", "resnet"))
	require.NoError(t, c.SetNS("audio", "model", "whisper"))
	require.NoError(t, c.Set("model", "top-level"))

	v, ok := c.GetNS("vision", "model")
	require.True(t, ok)
	assert.Equal(t, "resnet", v)

	v, _ = c.Get("model")
	assert.Equal(t, "top-level", v)

	assert.ElementsMatch(t, []string{state.DefaultNamespace, "vision", "audio"}, c.Namespaces())

	c.ClearNamespace("vision")
	_, ok = c.GetNS("vision", "model")
	assert.False(t, ok)
	v, _ = c.GetNS("audio", "model")
	assert.Equal(t, "whisper", v)
}

func TestBatchOperations(t *testing.T) {
	c := state.NewContext("batch")

	require.NoError(t, c.SetBatch(map[string]any{"a": 1, "b": 2, "c": 3}))
	got := c.GetBatch([]string{"a", "c", "missing"})
	assert.Equal(t, map[string]any{"a": 1, "c": 3}, got)

	c.RemoveBatch([]string{"a", "b"})
	assert.ElementsMatch(t, []string{"c"}, c.Keys())
}

func TestConcurrentIncrements(t *testing.T) {
	c := state.NewContext("counter")
	require.NoError(t, c.Set("count", 0))

	const callers = 5
	const perCaller = 10

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perCaller; j++ {
				assert.NoError(t, c.Update("count", func(cur any) any {
					return cur.(int) + 1
				}))
			}
		}()
	}
	wg.Wait()

	v, _ := c.Get("count")
	assert.Equal(t, callers*perCaller, v, "no increment may be lost")
}

func TestServicesAndMetadata(t *testing.T) {
	c := state.NewContext("svc")

	type fakeClient struct{ endpoint string }
	c.RegisterService("pricing", &fakeClient{endpoint: "inproc"})
	svc, ok := c.Service("pricing")
	require.True(t, ok)
	assert.Equal(t, "inproc", svc.(*fakeClient).endpoint)

	c.SetMetadata("source", "api")
	v, ok := c.GetMetadata("source")
	require.True(t, ok)
	assert.Equal(t, "api", v)
	c.RemoveMetadata("source")
	_, ok = c.GetMetadata("source")
	assert.False(t, ok)
}

func TestExportImport(t *testing.T) {
	src := state.NewContext("src")
	require.NoError(t, src.Set("a", 1))
	require.NoError(t, src.Set("nested", map[string]any{"x": "y"}))

	dst := state.NewContext("dst")
	require.NoError(t, dst.ImportData(src.ExportData()))

	v, _ := dst.Get("a")
	assert.Equal(t, 1, v)

	// The exported copy is deep: mutating it must not touch the source.
	exported := src.ExportData()
	exported["nested"].(map[string]any)["x"] = "mutated"
	orig, _ := src.Get("nested")
	assert.Equal(t, "y", orig.(map[string]any)["x"])
}

func TestAppend(t *testing.T) {
	c := state.NewContext("list")
	require.NoError(t, c.Append("log", "first"))
	require.NoError(t, c.Append("log", "second"))
	v, _ := c.Get("log")
	assert.Equal(t, []any{"first", "second"}, v)

	require.NoError(t, c.Set("scalar", 1))
	assert.ErrorIs(t, errors.Cause(c.Append("scalar", 2)), state.NotAppendableError)

	t.Run("validation rule sees the grown list", func(t *testing.T) {
		c := state.NewContext("ruled")
		c.SetValidationRules(map[string]state.ValidationRule{
			"events": func(v any) error {
				if len(v.([]any)) > 1 {
					return errors.New("at most one entry")
				}
				return nil
			},
		})

		require.NoError(t, c.Append("events", "first"))
		err := c.Append("events", "second")
		require.Error(t, err)
		assert.ErrorIs(t, err, state.ValidationFailedError)
		v, _ := c.Get("events")
		assert.Equal(t, []any{"first"}, v)
	})
}

func TestCancellationFlag(t *testing.T) {
	c := state.NewContext("cancel")
	assert.False(t, c.IsCancelled())
	c.Cancel()
	assert.True(t, c.IsCancelled())
}
