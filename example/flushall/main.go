package main

import (
	"context"
	"fmt"
	"time"

	torncache "github.com/vidyar/tornado-memcache"
)

func main() {
	pool, err := torncache.NewPool("localhost:11211,localhost:11212", 2)
	if err != nil {
		panic(err)
	}
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("doomed:%d", i)
		if _, err = pool.Set(ctx, key, "x", 0, false); err != nil {
			fmt.Println("set:", err)
		}
	}

	printItemCounts(ctx, pool, "before flush")

	outcomes, err := pool.Broadcast().FlushAll(ctx, 0, false)
	for addr, ferr := range outcomes {
		fmt.Printf("%s: flush err=%v\n", addr, ferr)
	}
	if err != nil {
		fmt.Println("broadcast:", err)
	}

	printItemCounts(ctx, pool, "after flush")
}

func printItemCounts(ctx context.Context, pool *torncache.ClientPool, label string) {
	stats, err := pool.Broadcast().Stats(ctx)
	if err != nil {
		fmt.Println("stats:", err)
	}
	for addr, kv := range stats {
		fmt.Printf("%s %s: curr_items=%s\n", label, addr, kv["curr_items"])
	}
}
