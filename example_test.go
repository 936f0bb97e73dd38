package segkv_test

import (
	"context"
	"fmt"
	"log"

	"github.com/hupe1980/segkv"
	"github.com/hupe1980/segkv/blobstore"
)

// Example demonstrates the basic write and read path on an in-memory device.
func Example() {
	ctx := context.Background()
	dev := segkv.NewMemoryDevice(4<<20, 0)

	db, err := segkv.OpenDevices(ctx, []segkv.Device{dev},
		segkv.WithSegmentSize(64<<10),
		segkv.WithCapacity(1024),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := db.Insert(ctx, []byte("greeting"), []byte("hello")); err != nil {
		log.Fatal(err)
	}
	v, err := db.Get(ctx, []byte("greeting"))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(v))
	// Output: hello
}

// Example_checkpoint demonstrates copying a database into a blob store.
func Example_checkpoint() {
	ctx := context.Background()
	db, err := segkv.OpenDevices(ctx, []segkv.Device{segkv.NewMemoryDevice(4<<20, 0)},
		segkv.WithSegmentSize(64<<10),
		segkv.WithCapacity(1024),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	for i := range 3 {
		_ = db.Insert(ctx, fmt.Appendf(nil, "k%d", i), []byte("v"))
	}

	store := blobstore.NewMemoryStore()
	m, err := db.Checkpoint(ctx, store, "backup-1")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(m.Name, m.Keys)
	// Output: backup-1 3
}
