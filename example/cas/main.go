package main

import (
	"context"
	"fmt"
	"time"

	torncache "github.com/vidyar/tornado-memcache"
)

func main() {
	client, err := torncache.New("localhost:11211")
	if err != nil {
		panic(err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key := "example:cas"

	if _, err = client.Set(ctx, key, "v1", 10, false); err != nil {
		panic(err)
	}

	// gets carries the cas token the server minted for this revision
	item, err := client.Gets(ctx, key)
	if err != nil {
		panic(err)
	}
	fmt.Printf("before cas: %+v\n", item)

	stored, err := client.Cas(ctx, key, "v2", 10, item.CAS, false)
	if err != nil {
		panic(err)
	}
	fmt.Println("first cas stored:", stored)

	// the token is stale now, the server refuses the write
	stored, err = client.Cas(ctx, key, "v3", 10, item.CAS, false)
	if err != nil {
		panic(err)
	}
	fmt.Println("second cas stored:", stored)

	item, err = client.Gets(ctx, key)
	if err != nil {
		panic(err)
	}
	data, _ := item.Bytes()
	fmt.Printf("after cas: %s (cas=%d)\n", data, item.CAS)
}
