package model

import (
	"runtime"
	"sync"

	"github.com/samcharles93/llama2/internal/tensor"
)

type attnTask struct {
	ctx    *attnContext
	rs, re int
	done   chan struct{}
}

// attnContext describes one attention evaluation. Heads in [rs, re) read
// shared q and cache slices and write only their own rows of att and out.
type attnContext struct {
	q, cacheK, cacheV []float32
	att               []float32 // (nHead, maxCtx) scores
	out               []float32

	pos               int
	maxCtx            int
	kvStride, headDim int
	nHead, kvMul      int
	scale             float32
}

type attnPool struct {
	size      int
	tasks     chan attnTask
	doneSlots chan chan struct{}
	closeOnce sync.Once
}

func attnWorkersFor(nHead int) int {
	workers := runtime.GOMAXPROCS(0)
	if nHead > 0 && workers > nHead {
		workers = nHead
	}
	return max(workers, 1)
}

func newAttnPool(workers int) *attnPool {
	workers = max(workers, 1)
	p := &attnPool{
		size:      workers,
		tasks:     make(chan attnTask, workers*2),
		doneSlots: make(chan chan struct{}, 1),
	}
	p.doneSlots <- make(chan struct{}, workers)
	if workers == 1 {
		return p
	}
	for i := 0; i < workers; i++ {
		go func() {
			for task := range p.tasks {
				runAttnHeads(task.ctx, task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// run evaluates every head of ctx, splitting heads across the pool's workers.
func (p *attnPool) run(ctx *attnContext) {
	workers := p.size
	if workers <= 1 || ctx.nHead == 1 {
		runAttnHeads(ctx, 0, ctx.nHead)
		return
	}

	chunk := (ctx.nHead + workers - 1) / workers
	done := <-p.doneSlots
	active := 0
	for i := 0; i < workers; i++ {
		rs := i * chunk
		re := min(rs+chunk, ctx.nHead)
		if rs >= re {
			break
		}
		active++
		p.tasks <- attnTask{ctx: ctx, rs: rs, re: re, done: done}
	}
	for i := 0; i < active; i++ {
		<-done
	}
	p.doneSlots <- done
}

func (p *attnPool) close() {
	p.closeOnce.Do(func() { close(p.tasks) })
}

func runAttnHeads(ctx *attnContext, rs, re int) {
	n := ctx.pos + 1
	for h := rs; h < re; h++ {
		kvHead := h / ctx.kvMul
		qh := ctx.q[h*ctx.headDim : (h+1)*ctx.headDim]
		scores := ctx.att[h*ctx.maxCtx : h*ctx.maxCtx+n]
		for t := 0; t < n; t++ {
			koff := t*ctx.kvStride + kvHead*ctx.headDim
			scores[t] = tensor.Dot(qh, ctx.cacheK[koff:koff+ctx.headDim]) * ctx.scale
		}
		tensor.Softmax(scores)

		out := ctx.out[h*ctx.headDim : (h+1)*ctx.headDim]
		clear(out)
		for t := 0; t < n; t++ {
			voff := t*ctx.kvStride + kvHead*ctx.headDim
			tensor.AXPY(out, scores[t], ctx.cacheV[voff:voff+ctx.headDim])
		}
	}
}
