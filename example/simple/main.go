package main

import (
	"context"
	"errors"
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

	addr := client.Servers()[0].Addr()
	version, err := client.Version(ctx, addr)
	if err != nil {
		panic(err)
	}
	fmt.Println("server version:", version)

	// a fresh key misses
	if _, err = client.Get(ctx, "greeting"); errors.Is(err, torncache.ErrNotFound) {
		fmt.Println("'greeting' not found yet")
	}

	stored, err := client.Set(ctx, "greeting", "hello memcached", 0, false)
	if err != nil {
		panic(err)
	}
	fmt.Println("stored:", stored)

	item, err := client.Get(ctx, "greeting")
	if err != nil {
		panic(err)
	}
	data, _ := item.Bytes()
	fmt.Printf("%s = %s\n", item.Key, data)

	// several keys in one round, misses are simply absent
	results, err := client.SetMany(ctx, map[string]interface{}{
		"fruit:1": "apple",
		"fruit:2": "banana",
	}, 0, false)
	if err != nil {
		panic(err)
	}
	fmt.Println("set many:", results)

	items, err := client.GetMany(ctx, []string{"fruit:1", "fruit:2", "fruit:3"})
	if err != nil {
		panic(err)
	}
	for key, it := range items {
		data, _ = it.Bytes()
		fmt.Printf("%s = %s\n", key, data)
	}
}
