package redis

import (
	"net"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/metrics"
)

// pipeService answers every command with reply over an in-memory connection
func pipeService(t *testing.T, reply string) Service {
	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) {
			client, server := net.Pipe()
			go func() {
				defer server.Close()
				buf := make([]byte, 1024)
				for {
					if _, err := server.Read(buf); err != nil {
						return
					}
					if _, err := server.Write([]byte(reply)); err != nil {
						return
					}
				}
			}()
			return redis.NewConn(client, time.Second, time.Second), nil
		},
	}
	t.Cleanup(func() { pool.Close() })
	return New("pipe", metrics.New("redis"), &Pools{Src: pool})
}

func TestConnDoWithoutDeadline(t *testing.T) {
	im := pipeService(t, "$2\r\nv1\r\n")

	val, err := im.Get(ctx.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), val)
}

func TestConnDoWithDeadline(t *testing.T) {
	im := pipeService(t, "$2\r\nv1\r\n")
	c, cancel := ctx.WithTimeout(ctx.Background(), time.Second)
	defer cancel()

	val, err := im.Get(c, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), val)
}

func TestConnDoDeadlinePassed(t *testing.T) {
	im := pipeService(t, "$2\r\nv1\r\n")
	c, cancel := ctx.WithTimeout(ctx.Background(), -time.Second)
	defer cancel()

	_, err := im.Get(c, "k")
	require.Equal(t, ErrDeadlineExceeded, err)
}
