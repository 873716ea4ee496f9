package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDenseMemoWriteOnceConvention(t *testing.T) {
	memo := NewDenseMemo(10)
	memo.InsertPath([]PathEntry{{Key: 5, Value: 42}})
	v, ok := memo.Get(5)
	assert.True(t, ok)
	assert.Equal(t, uint32(42), v)

	memo.InsertPath([]PathEntry{{Key: 5, Value: 99}})
	v, _ = memo.Get(5)
	assert.Equal(t, uint32(42), v, "a key already set must not be overwritten")
}

func TestDenseMemoSeedsBaseCase(t *testing.T) {
	memo := NewDenseMemo(10)
	v, ok := memo.Get(1)
	assert.True(t, ok)
	assert.Equal(t, uint32(1), v)
}

func TestDenseMemoOutOfRangeMiss(t *testing.T) {
	memo := NewDenseMemo(10)
	_, ok := memo.Get(100)
	assert.False(t, ok)
}

func TestShardedHashMemoWriteOnceConvention(t *testing.T) {
	memo := NewShardedHashMemo(8)
	memo.InsertPath([]PathEntry{{Key: 20, Value: 7}})
	v, ok := memo.Get(20)
	assert.True(t, ok)
	assert.Equal(t, uint32(7), v)

	memo.InsertPath([]PathEntry{{Key: 20, Value: 123}})
	v, _ = memo.Get(20)
	assert.Equal(t, uint32(7), v)
}

func TestShardedHashMemoSeedsBaseCase(t *testing.T) {
	memo := NewShardedHashMemo(4)
	v, ok := memo.Get(1)
	assert.True(t, ok)
	assert.Equal(t, uint32(1), v)
}
