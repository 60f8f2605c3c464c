package tensor

import (
	"math"
	"runtime"
	"sync"
	"testing"
)

func matVecNaive(dst []float32, w *Mat, x []float32) {
	for i := 0; i < w.R; i++ {
		row := w.Row(i)
		var sum float32
		for j := 0; j < w.C; j++ {
			sum += row[j] * x[j]
		}
		dst[i] = sum
	}
}

func matVecParWaitGroup(dst []float32, w *Mat, x []float32) {
	workers := min(runtime.GOMAXPROCS(0), w.R)
	var wg sync.WaitGroup
	chunk := (w.R + workers - 1) / workers
	for i := range workers {
		rs := i * chunk
		re := min(rs+chunk, w.R)
		if rs >= re {
			break
		}
		wg.Add(1)
		go matVecParWorker(&wg, dst, w, x, rs, re)
	}
	wg.Wait()
}

func matVecParWorker(wg *sync.WaitGroup, dst []float32, w *Mat, x []float32, rs, re int) {
	defer wg.Done()
	matVecRows(dst, w, x, rs, re)
}

func TestMatVecMatchesNaive(t *testing.T) {
	t.Parallel()

	shapes := []struct{ r, c int }{
		{1, 1},
		{3, 5},
		{63, 17},
		{64, 64},
		{257, 129},
		{1024, 33},
	}
	for _, s := range shapes {
		w := NewMat(s.r, s.c)
		FillRand(&w, int64(s.r*31+s.c))
		x := make([]float32, s.c)
		FillRandSlice(x, int64(s.c), 2)

		want := make([]float32, s.r)
		got := make([]float32, s.r)
		matVecNaive(want, &w, x)
		MatVec(got, &w, x)

		for i := range want {
			if !closeEnough(want[i], got[i], 1e-4) {
				t.Fatalf("%dx%d: mismatch at %d: want %g got %g", s.r, s.c, i, want[i], got[i])
			}
		}
	}
}

func TestMatVecConcurrentCallers(t *testing.T) {
	t.Parallel()

	const r, c = 512, 96
	w := NewMat(r, c)
	FillRand(&w, 9)

	var wg sync.WaitGroup
	errs := make(chan string, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			x := make([]float32, c)
			FillRandSlice(x, seed, 1)
			want := make([]float32, r)
			got := make([]float32, r)
			matVecNaive(want, &w, x)
			for iter := 0; iter < 20; iter++ {
				MatVec(got, &w, x)
				for i := range want {
					if !closeEnough(want[i], got[i], 1e-4) {
						errs <- "concurrent matvec mismatch"
						return
					}
				}
			}
		}(int64(g))
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Fatal(e)
	}
}

func TestMatVecShapeMismatchPanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on short dst")
		}
	}()
	w := NewMat(4, 4)
	MatVec(make([]float32, 3), &w, make([]float32, 4))
}

func TestMatVecNoAllocs(t *testing.T) {
	w := NewMat(512, 256)
	FillRand(&w, 3)
	x := make([]float32, 256)
	dst := make([]float32, 512)
	MatVec(dst, &w, x) // warm the pool

	allocs := testing.AllocsPerRun(50, func() {
		MatVec(dst, &w, x)
	})
	if allocs != 0 {
		t.Fatalf("expected 0 allocations, got %v", allocs)
	}
}

func BenchmarkMatVecNaive(b *testing.B) {
	r, c := 2048, 2048
	w := NewMat(r, c)
	x := make([]float32, c)
	dst := make([]float32, r)
	FillRand(&w, 1)

	for b.Loop() {
		matVecNaive(dst, &w, x)
	}
}

func BenchmarkMatVecParWG(b *testing.B) {
	r, c := 2048, 2048
	w := NewMat(r, c)
	x := make([]float32, c)
	dst := make([]float32, r)
	FillRand(&w, 1)

	for b.Loop() {
		matVecParWaitGroup(dst, &w, x)
	}
}

func BenchmarkMatVecPool(b *testing.B) {
	r, c := 2048, 2048
	w := NewMat(r, c)
	x := make([]float32, c)
	dst := make([]float32, r)
	FillRand(&w, 1)

	for b.Loop() {
		MatVec(dst, &w, x)
	}
}

func closeEnough(a, b float32, rel float64) bool {
	da := float64(a)
	db := float64(b)
	diff := math.Abs(da - db)
	scale := math.Max(1, math.Max(math.Abs(da), math.Abs(db)))
	return diff <= rel*scale
}
