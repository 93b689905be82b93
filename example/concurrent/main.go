package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	torncache "github.com/vidyar/tornado-memcache"
)

const (
	workers    = 8
	increments = 100
)

func main() {
	// at most 8 clients are built, each new borrower reuses a released one
	pool, err := torncache.NewPool("localhost:11211", workers)
	if err != nil {
		panic(err)
	}
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err = pool.Set(ctx, "counter", "0", 0, false); err != nil {
		panic(err)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				if _, err := pool.Incr(ctx, "counter", 1, false); err != nil {
					fmt.Println("incr:", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	item, err := pool.Get(ctx, "counter")
	if err != nil {
		panic(err)
	}
	data, _ := item.Bytes()
	fmt.Printf("counter after %d workers x %d increments: %s\n", workers, increments, data)
}
