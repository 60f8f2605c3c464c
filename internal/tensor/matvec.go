package tensor

import (
	"runtime"
	"sync"
)

// serialRows is the row count below which MatVec stays on the calling
// goroutine; a pool round trip costs more than the work.
const serialRows = 64

// rowJob asks a worker for out[lo:hi] = w[lo:hi] · x.
type rowJob struct {
	out, x []float32
	w      *Mat
	lo, hi int
	done   chan<- struct{}
}

// rowPool is the process-wide set of MatVec workers. A caller borrows a
// completion channel from slots for the duration of one product, so any
// number of transformers can share the pool without allocating.
type rowPool struct {
	workers int
	jobs    chan rowJob
	slots   chan chan struct{}
}

var sharedRows = sync.OnceValue(func() *rowPool {
	return startRowPool(runtime.GOMAXPROCS(0))
})

func startRowPool(workers int) *rowPool {
	workers = max(workers, 1)
	p := &rowPool{
		workers: workers,
		jobs:    make(chan rowJob, workers*2),
		slots:   make(chan chan struct{}, workers),
	}
	for range workers {
		p.slots <- make(chan struct{}, workers)
		go func() {
			for j := range p.jobs {
				matVecRows(j.out, j.w, j.x, j.lo, j.hi)
				j.done <- struct{}{}
			}
		}()
	}
	return p
}

func (p *rowPool) matVec(out []float32, w *Mat, x []float32) {
	n := min(p.workers, w.R)
	chunk := (w.R + n - 1) / n

	done := <-p.slots
	sent := 0
	for lo := 0; lo < w.R; lo += chunk {
		p.jobs <- rowJob{out: out, x: x, w: w, lo: lo, hi: min(lo+chunk, w.R), done: done}
		sent++
	}
	for ; sent > 0; sent-- {
		<-done
	}
	p.slots <- done
}

// MatVec computes out = w · x. Each worker writes a disjoint range of out.
// The call blocks until the product is complete and does not allocate.
func MatVec(out []float32, w *Mat, x []float32) {
	if w.R == 0 || w.C == 0 {
		return
	}
	if len(out) < w.R || len(x) < w.C {
		panic("tensor: matvec shape mismatch")
	}
	if w.R < serialRows {
		matVecRows(out, w, x, 0, w.R)
		return
	}
	p := sharedRows()
	if p.workers == 1 {
		matVecRows(out, w, x, 0, w.R)
		return
	}
	p.matVec(out, w, x)
}

func matVecRows(out []float32, w *Mat, x []float32, lo, hi int) {
	x = x[:w.C]
	for i := lo; i < hi; i++ {
		out[i] = Dot(w.Data[i*w.C:(i+1)*w.C], x)
	}
}
