package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	torncache "github.com/vidyar/tornado-memcache"
)

// A minimal web hit counter backed by a client pool. Every request borrows
// a pooled client for exactly one command, so slow requests never starve
// fast ones of a connection.
func main() {
	pool, err := torncache.NewPool("localhost:11211", 100)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		hits, err := pool.Incr(ctx, "demo:hits", 1, false)
		if errors.Is(err, torncache.ErrNotFound) {
			// first visitor seeds the counter; a racing Add just loses
			if _, err = pool.Add(ctx, "demo:hits", "1", 0, false); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			hits = 1
		} else if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		fmt.Fprintf(w, "hello, you are visitor %d\n", hits)
	})

	log.Println("listening on :8888")
	log.Fatal(http.ListenAndServe(":8888", nil))
}
