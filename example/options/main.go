package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	torncache "github.com/vidyar/tornado-memcache"
	"github.com/vidyar/tornado-memcache/hash"
)

const flagsJSON uint32 = 0x2A

type profile struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func encode(key string, value interface{}) ([]byte, uint32, error) {
	switch v := value.(type) {
	case []byte:
		return v, 0, nil
	case string:
		return []byte(v), 0, nil
	case *profile:
		data, err := json.Marshal(v)
		return data, flagsJSON, err
	}
	return nil, 0, errors.Errorf("unsupported type for key %s", key)
}

func decode(_ string, data []byte, flags uint32) (interface{}, error) {
	if flags != flagsJSON {
		return data, nil
	}
	p := new(profile)
	if err := json.Unmarshal(data, p); err != nil {
		return nil, err
	}
	return p, nil
}

func main() {
	client, err := torncache.New("mc://localhost:11211?weight=2,mc://localhost:11212?weight=1",
		torncache.WithHashFunc(hash.NewMurmur3(0x9747b28c)),
		torncache.WithConnectTimeout(2*time.Second),
		torncache.WithRequestTimeout(2*time.Second),
		torncache.WithNoDelay(true),
		torncache.WithSerializer(encode),
		torncache.WithDeserializer(decode),
	)
	if err != nil {
		panic(err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err = client.Set(ctx, "profile:leo", &profile{Name: "leo", Age: 30}, 0, false); err != nil {
		panic(err)
	}

	item, err := client.Get(ctx, "profile:leo")
	if err != nil {
		panic(err)
	}
	p, ok := item.Value.(*profile)
	if !ok {
		panic(fmt.Sprintf("unexpected value type %T", item.Value))
	}
	fmt.Printf("decoded: %+v (flags=0x%x)\n", p, item.Flags)
}
