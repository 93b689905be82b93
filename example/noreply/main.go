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

	// noreply skips the server acknowledgement, the call returns as soon
	// as the command is on the wire and reports success optimistically.
	stored, err := client.Set(ctx, "fire", "forget", 0, true)
	if err != nil {
		panic(err)
	}
	fmt.Println("noreply set reported:", stored)

	item, err := client.Get(ctx, "fire")
	if err != nil {
		panic(err)
	}
	data, _ := item.Bytes()
	fmt.Printf("read back: %s\n", data)

	deleted, err := client.Delete(ctx, "fire", true)
	if err != nil {
		panic(err)
	}
	fmt.Println("noreply delete reported:", deleted)
}
