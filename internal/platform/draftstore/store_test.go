package draftstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exercise runs the behavior every backend shares.
func exercise(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "appt-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "appt-1", []byte(`{"v":1}`)))
	require.NoError(t, s.Set(ctx, "appt-2", []byte(`{"v":2}`)))
	require.NoError(t, s.Set(ctx, "appt-1", []byte(`{"v":3}`)))

	v, ok, err := s.Get(ctx, "appt-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"v":3}`, string(v))

	require.NoError(t, s.Delete(ctx, "appt-1"))
	require.NoError(t, s.Delete(ctx, "appt-1"))
	_, ok, err = s.Get(ctx, "appt-1")
	require.NoError(t, err)
	assert.False(t, ok)

	v, ok, err = s.Get(ctx, "appt-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"v":2}`, string(v))
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	exercise(t, m)
	assert.Equal(t, 1, m.Len())
}

func TestMemory_CopiesValues(t *testing.T) {
	m := NewMemory()
	buf := []byte("abc")
	require.NoError(t, m.Set(context.Background(), "k", buf))
	buf[0] = 'x'
	v, _, _ := m.Get(context.Background(), "k")
	assert.Equal(t, "abc", string(v))
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "drafts.json")
	f, err := OpenFile(path)
	require.NoError(t, err)
	exercise(t, f)

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	v, ok, err := reopened.Get(context.Background(), "appt-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"v":2}`, string(v))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFile_CorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drafts.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := OpenFile(path)
	assert.Error(t, err)
}

type xorSealer struct{ fail bool }

func (x xorSealer) Seal(p []byte) ([]byte, error) {
	out := make([]byte, len(p))
	for i, b := range p {
		out[i] = b ^ 0x5a
	}
	return out, nil
}

func (x xorSealer) Open(s []byte) ([]byte, error) {
	if x.fail {
		return nil, errors.New("bad key")
	}
	return x.Seal(s)
}

func TestEncrypted(t *testing.T) {
	inner := NewMemory()
	exercise(t, NewEncrypted(inner, xorSealer{}))

	raw, ok, err := inner.Get(context.Background(), "appt-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, `{"v":2}`, string(raw))

	_, _, err = NewEncrypted(inner, xorSealer{fail: true}).Get(context.Background(), "appt-2")
	assert.ErrorIs(t, err, ErrUnreadable)
}

func TestRedis_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	r := NewRedis(client, time.Hour)
	defer r.Close()
	ctx := context.Background()

	assert.Error(t, r.Ping(ctx))
	_, _, err := r.Get(ctx, "appt-1")
	assert.Error(t, err)
	assert.Error(t, r.Set(ctx, "appt-1", []byte("x")))
	assert.Equal(t, "claims:draft:appt-1", redisKey("appt-1"))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, closeFn, err := Open(ctx, Options{Kind: KindMemory})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)
	assert.NoError(t, closeFn())

	s, _, err = Open(ctx, Options{Kind: KindFile, FilePath: filepath.Join(t.TempDir(), "d.json"), Sealer: xorSealer{}})
	require.NoError(t, err)
	assert.IsType(t, &Encrypted{}, s)

	_, _, err = Open(ctx, Options{Kind: KindRedis, RedisURL: "://bad"})
	assert.Error(t, err)

	_, closeFn, err = Open(ctx, Options{Kind: "etcd"})
	assert.Error(t, err)
	assert.NotNil(t, closeFn)
}
