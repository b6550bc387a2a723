package flatmap

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"testing"

	"github.com/aclements/go-perfevent/perfbench"
)

func BenchmarkMapIter(b *testing.B) {
	b.Run("impl=runtimeMap", benchSizes(benchmarkRuntimeMapIter))
	b.Run("impl=flatMap", benchSizes(benchmarkFlatMapIter))
}

func BenchmarkMapGetHit(b *testing.B) {
	b.Run("impl=runtimeMap", benchSizes(benchmarkRuntimeMapGetHit))
	b.Run("impl=flatMap", benchSizes(benchmarkFlatMapGetHit))
}

func BenchmarkMapGetMiss(b *testing.B) {
	b.Run("impl=runtimeMap", benchSizes(benchmarkRuntimeMapGetMiss))
	b.Run("impl=flatMap", benchSizes(benchmarkFlatMapGetMiss))
}

func BenchmarkMapPutPreAllocate(b *testing.B) {
	b.Run("impl=runtimeMap", benchSizes(benchmarkRuntimeMapPutPreAllocate))
	b.Run("impl=flatMap", benchSizes(benchmarkFlatMapPutPreAllocate))
}

func BenchmarkMapPutDelete(b *testing.B) {
	b.Run("impl=runtimeMap", benchSizes(benchmarkRuntimeMapPutDelete))
	b.Run("impl=flatMap", benchSizes(benchmarkFlatMapPutDelete))
}

func BenchmarkMapOverwrite(b *testing.B) {
	b.Run("impl=flatMap", benchSizes(benchmarkFlatMapOverwrite))
}

func benchSizes(f func(b *testing.B, n int)) func(*testing.B) {
	var cases = []int{
		6, 12, 18, 24, 30,
		64,
		128,
		256,
		512,
		1024,
		2048,
		4096,
		8192,
		1 << 16,
	}

	return func(b *testing.B) {
		for _, n := range cases {
			b.Run("len="+strconv.Itoa(n), func(b *testing.B) { f(b, n) })
		}
	}
}

// benchCapacity returns the capacity used to hold n entries, giving a
// maximum load factor of 7/8.
func benchCapacity(n int) int {
	return n + n/7 + 1
}

func newBenchMap(b *testing.B, capacity int) *Map {
	l, err := ComputeLayout(capacity, Shape{Size: 8, Align: 8}, Shape{Size: 8, Align: 8})
	if err != nil {
		b.Fatal(err)
	}
	return Init(AlignedBuffer(l.Size, l.Align), l)
}

func genKeys(start, end int) [][]byte {
	keys := make([][]byte, end-start)
	for i := range keys {
		keys[i] = make([]byte, 8)
		binary.LittleEndian.PutUint64(keys[i], uint64(start+i))
	}
	return keys
}

func genIntKeys(start, end int) []int64 {
	keys := make([]int64, end-start)
	for i := range keys {
		keys[i] = int64(start + i)
	}
	return keys
}

func fill(b *testing.B, m *Map, keys [][]byte) {
	for _, k := range keys {
		i, _, err := m.GetOrReserve(k)
		if err != nil {
			b.Fatal(err)
		}
		copy(m.Value(i), k)
	}
}

func benchmarkRuntimeMapIter(b *testing.B, n int) {
	m := make(map[int64]int64, n)
	for _, k := range genIntKeys(0, n) {
		m[k] = k
	}
	b.ResetTimer()
	var tmp int64
	for i := 0; i < b.N; i++ {
		for k, v := range m {
			tmp += k + v
		}
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, tmp)
}

func benchmarkFlatMapIter(b *testing.B, n int) {
	m := newBenchMap(b, benchCapacity(n))
	fill(b, m, genKeys(0, n))
	perfbench.Open(b)
	b.ResetTimer()
	var tmp uint64
	for i := 0; i < b.N; i++ {
		m.All(func(k, v []byte) bool {
			tmp += binary.LittleEndian.Uint64(k) + binary.LittleEndian.Uint64(v)
			return true
		})
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, tmp)
}

func benchmarkRuntimeMapGetMiss(b *testing.B, n int) {
	m := make(map[int64]int64)
	miss := genIntKeys(-n, 0)
	for _, k := range genIntKeys(0, n) {
		m[k] = k
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m[miss[i%len(miss)]]
	}
}

func benchmarkFlatMapGetMiss(b *testing.B, n int) {
	m := newBenchMap(b, benchCapacity(n))
	fill(b, m, genKeys(0, n))
	miss := genKeys(-n, 0)
	perfbench.Open(b)
	b.ResetTimer()
	var ok bool
	for i := 0; i < b.N; i++ {
		ok = m.Has(miss[i%len(miss)])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkRuntimeMapGetHit(b *testing.B, n int) {
	m := make(map[int64]int64, n)
	keys := genIntKeys(0, n)
	for _, k := range keys {
		m[k] = k
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m[keys[i%n]]
	}
}

func benchmarkFlatMapGetHit(b *testing.B, n int) {
	m := newBenchMap(b, benchCapacity(n))
	keys := genKeys(0, n)
	fill(b, m, keys)
	perfbench.Open(b)
	b.ResetTimer()
	var err error
	for i := 0; i < b.N; i++ {
		_, err = m.Lookup(keys[i%n])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, err)
}

func benchmarkRuntimeMapPutPreAllocate(b *testing.B, n int) {
	keys := genIntKeys(0, n)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m := make(map[int64]int64, n)
		for _, k := range keys {
			m[k] = k
		}
	}
}

func benchmarkFlatMapPutPreAllocate(b *testing.B, n int) {
	m := newBenchMap(b, benchCapacity(n))
	keys := genKeys(0, n)
	perfbench.Open(b)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Clear()
		fill(b, m, keys)
	}
}

func benchmarkRuntimeMapPutDelete(b *testing.B, n int) {
	m := make(map[int64]int64, n)
	keys := genIntKeys(0, n)
	for _, k := range keys {
		m[k] = k
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		j := i % n
		delete(m, keys[j])
		m[keys[j]] = keys[j]
	}
}

func benchmarkFlatMapPutDelete(b *testing.B, n int) {
	m := newBenchMap(b, benchCapacity(n))
	keys := genKeys(0, n)
	fill(b, m, keys)
	perfbench.Open(b)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		j := i % n
		if _, err := m.Remove(keys[j]); err != nil {
			b.Fatal(err)
		}
		idx, _, err := m.GetOrReserve(keys[j])
		if err != nil {
			b.Fatal(err)
		}
		copy(m.Value(idx), keys[j])
	}
}

func benchmarkFlatMapOverwrite(b *testing.B, n int) {
	src := newBenchMap(b, benchCapacity(n))
	fill(b, src, genKeys(0, n))
	dst := newBenchMap(b, 2*benchCapacity(n))
	perfbench.Open(b)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dst.Clear()
		if err := dst.Overwrite(src); err != nil {
			b.Fatal(err)
		}
	}
}
