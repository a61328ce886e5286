package tablestore_test

import (
	"context"
	"fmt"
	"log"

	"github.com/hupe1980/tablestore"
	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/kv"
)

// Example demonstrates writing, committing and scanning a table.
func Example() {
	ctx := context.Background()

	t, err := tablestore.Open(blobstore.NewMemoryStore(), tablestore.WithBuckets(2))
	if err != nil {
		log.Fatal(err)
	}
	defer t.Close(ctx)

	w, err := t.NewWrite()
	if err != nil {
		log.Fatal(err)
	}
	for _, k := range []string{"apple", "banana", "cherry"} {
		if err := w.Write(ctx, kv.Unpartitioned, kv.KeyValue{Key: []byte(k), Value: []byte("fruit")}); err != nil {
			log.Fatal(err)
		}
	}
	cm, err := w.PrepareCommit(ctx, false, 1)
	if err != nil {
		log.Fatal(err)
	}
	snap, err := t.NewCommit().Commit(ctx, cm)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("snapshot", snap.ID, snap.CommitKind)

	count := 0
	for _, err := range t.Scan(ctx) {
		if err != nil {
			log.Fatal(err)
		}
		count++
	}
	fmt.Println("rows", count)
	// Output:
	// snapshot 1 APPEND
	// rows 3
}

// ExampleTableCommit_Overwrite demonstrates replacing one partition.
func ExampleTableCommit_Overwrite() {
	ctx := context.Background()

	t, err := tablestore.Open(blobstore.NewMemoryStore())
	if err != nil {
		log.Fatal(err)
	}
	defer t.Close(ctx)

	day := kv.MustPartition("dt", "2024-01-01")

	w, _ := t.NewWrite()
	_ = w.Write(ctx, day, kv.KeyValue{Key: []byte("a"), Value: []byte("draft")})
	cm, _ := w.PrepareCommit(ctx, true, 1)
	if _, err := t.NewCommit().Commit(ctx, cm); err != nil {
		log.Fatal(err)
	}

	ow, _ := t.NewOverwrite()
	_ = ow.Write(ctx, day, kv.KeyValue{Key: []byte("b"), Value: []byte("final")})
	cm, _ = ow.PrepareCommit(ctx, true, 2)
	if _, err := t.NewCommit().Overwrite(ctx, day.Spec(), cm); err != nil {
		log.Fatal(err)
	}

	for row, err := range t.Scan(ctx) {
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("%s %s=%s\n", row.Partition, row.Key, row.Value)
	}
	// Output:
	// dt=2024-01-01 b=final
}
