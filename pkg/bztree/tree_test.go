// pkg/bztree/tree_test.go
package bztree

import (
	"fmt"
	"sync"
	"testing"

	"bztree/pkg/pmpool"
)

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.NodeSize = 512
	cfg.MetaCapacity = 16
	cfg.SplitThreshold = 400
	cfg.MaxDeleteSize = 64
	cfg.DescriptorPoolSize = 256
	cfg.WordsPerDescriptor = 8
	cfg.PreAlloc = 8
	cfg.MaxAlloc = 64
	cfg.GCIntervalMillis = 5
	return cfg
}

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	storage, err := pmpool.NewMemoryStorage(1 << 16)
	if err != nil {
		t.Fatalf("NewMemoryStorage: %v", err)
	}
	tree, err := FirstUse(storage, smallConfig())
	if err != nil {
		t.Fatalf("FirstUse: %v", err)
	}
	t.Cleanup(func() { tree.Close() })
	return tree
}

func key(i int) []byte   { return []byte(fmt.Sprintf("key-%04d", i)) }
func value(i int) []byte { return []byte(fmt.Sprintf("value-%04d", i)) }

func TestTree_InsertAndReadRange(t *testing.T) {
	tree := newTestTree(t)

	for i := 0; i < 64; i++ {
		if err := tree.Insert(key(i), value(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	for i := 0; i < 64; i++ {
		got, err := tree.Read(key(i))
		if err != nil {
			t.Fatalf("Read(%d): %v", i, err)
		}
		if string(got) != string(value(i)) {
			t.Fatalf("Read(%d) = %q, want %q", i, got, value(i))
		}
	}
}

func TestTree_InsertDuplicateKeyFails(t *testing.T) {
	tree := newTestTree(t)

	if err := tree.Insert(key(1), value(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Insert(key(1), value(2)); err != ErrDuplicateKey {
		t.Fatalf("second Insert err = %v, want ErrDuplicateKey", err)
	}
}

func TestTree_ReadMissingKeyFails(t *testing.T) {
	tree := newTestTree(t)
	if _, err := tree.Read(key(1)); err != ErrKeyNotFound {
		t.Fatalf("Read err = %v, want ErrKeyNotFound", err)
	}
}

func TestTree_UpdateReplacesValue(t *testing.T) {
	tree := newTestTree(t)

	if err := tree.Insert(key(1), value(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Update(key(1), []byte("replaced")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := tree.Read(key(1))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "replaced" {
		t.Fatalf("Read = %q, want replaced", got)
	}
}

func TestTree_UpdateMissingKeyFails(t *testing.T) {
	tree := newTestTree(t)
	if err := tree.Update(key(1), value(1)); err != ErrKeyNotFound {
		t.Fatalf("Update err = %v, want ErrKeyNotFound", err)
	}
}

func TestTree_UpsertInsertsThenReplaces(t *testing.T) {
	tree := newTestTree(t)

	if err := tree.Upsert(key(1), value(1)); err != nil {
		t.Fatalf("Upsert insert: %v", err)
	}
	if err := tree.Upsert(key(1), value(2)); err != nil {
		t.Fatalf("Upsert replace: %v", err)
	}
	got, err := tree.Read(key(1))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(value(2)) {
		t.Fatalf("Read = %q, want %q", got, value(2))
	}
}

func TestTree_DeleteRemovesKey(t *testing.T) {
	tree := newTestTree(t)

	if err := tree.Insert(key(1), value(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Delete(key(1)); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := tree.Read(key(1)); err != ErrKeyNotFound {
		t.Fatalf("Read after delete err = %v, want ErrKeyNotFound", err)
	}
	if err := tree.Delete(key(1)); err != ErrKeyNotFound {
		t.Fatalf("second Delete err = %v, want ErrKeyNotFound", err)
	}
}

func TestTree_ConsolidateReclaimsSpaceAfterUpdates(t *testing.T) {
	tree := newTestTree(t)

	if err := tree.Insert(key(1), value(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// Repeated updates on the same key pile up garbage (deleteSize) in
	// the leaf without growing recCount's visible set; past
	// MaxDeleteSize this should trigger an in-place consolidate.
	for i := 0; i < 20; i++ {
		if err := tree.Update(key(1), []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Update %d: %v", i, err)
		}
	}
	got, err := tree.Read(key(1))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "v19" {
		t.Fatalf("Read = %q, want v19", got)
	}
}

func TestTree_SplitGrowsRootAndKeepsAllKeysReadable(t *testing.T) {
	tree := newTestTree(t)

	const n = 40
	for i := 0; i < n; i++ {
		if err := tree.Insert(key(i), value(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		got, err := tree.Read(key(i))
		if err != nil {
			t.Fatalf("Read(%d): %v", i, err)
		}
		if string(got) != string(value(i)) {
			t.Fatalf("Read(%d) = %q, want %q", i, got, value(i))
		}
	}

	root := newNodeView(tree.pool, tree.pool.Root())
	if root.isLeaf() {
		t.Fatalf("expected root to have grown into an interior node after %d inserts", n)
	}

	recs := dedupeSorted(root)
	if len(recs) < 2 {
		t.Fatalf("expected root to hold at least 2 children, got %d", len(recs))
	}
	last := recs[len(recs)-1]
	if !bytesEqual(last.key, MaxKey) {
		t.Fatalf("root's last record key = %x, want MaxKey", last.key)
	}
	for _, r := range recs[:len(recs)-1] {
		if bytesEqual(r.key, MaxKey) {
			t.Fatalf("only the rightmost record should carry MaxKey")
		}
	}
}

func TestTree_MergeShrinksTreeAfterDeletes(t *testing.T) {
	cfg := smallConfig()
	cfg.MergeThreshold = 200
	storage, err := pmpool.NewMemoryStorage(1 << 16)
	if err != nil {
		t.Fatalf("NewMemoryStorage: %v", err)
	}
	tree, err := FirstUse(storage, cfg)
	if err != nil {
		t.Fatalf("FirstUse: %v", err)
	}
	t.Cleanup(func() { tree.Close() })

	const n = 40
	for i := 0; i < n; i++ {
		if err := tree.Insert(key(i), value(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	root := newNodeView(tree.pool, tree.pool.Root())
	if root.isLeaf() {
		t.Fatalf("expected root to have grown into an interior node after %d inserts", n)
	}

	// Delete most of the keys so every remaining leaf's live bytes fall
	// well under MergeThreshold, giving Delete's post-commit growNode
	// call repeated chances to fold leaves back together.
	for i := 0; i < n-4; i++ {
		if err := tree.Delete(key(i)); err != nil {
			t.Fatalf("Delete(%d): %v", i, err)
		}
	}

	for i := n - 4; i < n; i++ {
		got, err := tree.Read(key(i))
		if err != nil {
			t.Fatalf("Read(%d) after merges: %v", i, err)
		}
		if string(got) != string(value(i)) {
			t.Fatalf("Read(%d) = %q, want %q", i, got, value(i))
		}
	}
	for i := 0; i < n-4; i++ {
		if _, err := tree.Read(key(i)); err != ErrKeyNotFound {
			t.Fatalf("Read(%d) after delete err = %v, want ErrKeyNotFound", i, err)
		}
	}
}

func TestTree_RangeScanReturnsAscendingKeysInBounds(t *testing.T) {
	tree := newTestTree(t)

	const n = 40
	for i := 0; i < n; i++ {
		if err := tree.Insert(key(i), value(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	var got []string
	err := tree.RangeScan(key(10), key(20), func(k, v []byte) bool {
		got = append(got, string(k))
		return true
	})
	if err != nil {
		t.Fatalf("RangeScan: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("len(got) = %d, want 10", len(got))
	}
	for i, k := range got {
		if k != string(key(10+i)) {
			t.Fatalf("got[%d] = %q, want %q", i, k, key(10+i))
		}
	}
}

func TestTree_RangeScanStopsEarly(t *testing.T) {
	tree := newTestTree(t)
	for i := 0; i < 10; i++ {
		if err := tree.Insert(key(i), value(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	count := 0
	err := tree.RangeScan(nil, nil, func(k, v []byte) bool {
		count++
		return count < 3
	})
	if err != nil {
		t.Fatalf("RangeScan: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}

func TestTree_ConcurrentInsertsOfDisjointKeysAllSucceed(t *testing.T) {
	tree := newTestTree(t)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := tree.Insert(key(i), value(i)); err != nil {
				t.Errorf("Insert(%d): %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		got, err := tree.Read(key(i))
		if err != nil {
			t.Fatalf("Read(%d): %v", i, err)
		}
		if string(got) != string(value(i)) {
			t.Fatalf("Read(%d) = %q, want %q", i, got, value(i))
		}
	}
}

func TestTree_RecoverAfterSimulatedCrashLeavesTreeUsable(t *testing.T) {
	tree := newTestTree(t)

	for i := 0; i < 5; i++ {
		if err := tree.Insert(key(i), value(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	// Simulate a crash mid-commit: leave a descriptor allocated with one
	// target word added but never committed, which pmwcas.Recover must
	// clean up without disturbing the tree.
	desc, err := tree.cas.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := desc.Add(tree.pool.RootOffset(), tree.pool.Root(), tree.pool.Root(), 0); err != nil {
		t.Fatalf("Add: %v", err)
	}

	tree.Recover()

	for i := 0; i < 5; i++ {
		got, err := tree.Read(key(i))
		if err != nil {
			t.Fatalf("Read(%d) after recover: %v", i, err)
		}
		if string(got) != string(value(i)) {
			t.Fatalf("Read(%d) after recover = %q, want %q", i, got, value(i))
		}
	}

	if err := tree.Insert(key(999), value(999)); err != nil {
		t.Fatalf("Insert after recover: %v", err)
	}
}
