package torncache

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func Test_ParseServers(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		want    []Server
		wantErr bool
	}{
		{
			name: "bare host",
			spec: "localhost",
			want: []Server{{Host: "localhost", Port: 11211, Weight: 1}},
		},
		{
			name: "host and port",
			spec: "127.0.0.1:12345",
			want: []Server{{Host: "127.0.0.1", Port: 12345, Weight: 1}},
		},
		{
			name: "url with weight",
			spec: "mc://cache-1:11211?weight=3",
			want: []Server{{Host: "cache-1", Port: 11211, Weight: 3}},
		},
		{
			name: "mixed list with spaces",
			spec: "localhost, 127.0.0.1:12345 ,mc://cache-1:11211?weight=2",
			want: []Server{
				{Host: "localhost", Port: 11211, Weight: 1},
				{Host: "127.0.0.1", Port: 12345, Weight: 1},
				{Host: "cache-1", Port: 11211, Weight: 2},
			},
		},
		{
			name: "trailing comma",
			spec: "localhost,",
			want: []Server{{Host: "localhost", Port: 11211, Weight: 1}},
		},
		{name: "empty", spec: "", wantErr: true},
		{name: "only commas", spec: ",,", wantErr: true},
		{name: "bad port", spec: "localhost:notaport", wantErr: true},
		{name: "port out of range", spec: "localhost:70000", wantErr: true},
		{name: "zero weight", spec: "mc://cache-1:11211?weight=0", wantErr: true},
		{name: "bad weight", spec: "mc://cache-1:11211?weight=abc", wantErr: true},
		{name: "wrong scheme", spec: "http://cache-1:11211", wantErr: true},
		{name: "empty host", spec: ":11211", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseServers(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidAddress))
				return
			}

			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func Test_NewServer(t *testing.T) {
	s, err := NewServer("localhost:12345", 4)
	assert.NoError(t, err)
	assert.Equal(t, Server{Host: "localhost", Port: 12345, Weight: 4}, s)
	assert.Equal(t, "localhost:12345", s.Addr())

	s, err = NewServer("localhost", 1)
	assert.NoError(t, err)
	assert.Equal(t, 11211, s.Port)

	_, err = NewServer("localhost", 0)
	assert.True(t, errors.Is(err, ErrInvalidAddress))

	_, err = NewServer("localhost", -1)
	assert.True(t, errors.Is(err, ErrInvalidAddress))
}

func Test_Server_Addr_ipv6(t *testing.T) {
	s, err := NewServer("[::1]:11211", 1)
	assert.NoError(t, err)
	assert.Equal(t, "::1", s.Host)
	assert.Equal(t, "[::1]:11211", s.Addr())
}
