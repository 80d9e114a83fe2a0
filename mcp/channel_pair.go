package mcp

import (
	"sync"
)

// ChannelPair carries one request/response flow across a process or
// goroutine boundary: approvals go out on Req and decisions come back on
// Resp. The engine side owns the pair's lifetime; everything else only
// sends and receives.
type ChannelPair[Req, Resp any] struct {
	Req  chan Req
	Resp chan Resp
}

// NewChannelPair allocates both channels with the same buffer size.
func NewChannelPair[Req, Resp any](size int) *ChannelPair[Req, Resp] {
	return &ChannelPair[Req, Resp]{
		Req:  make(chan Req, size),
		Resp: make(chan Resp, size),
	}
}

// IsInitialized reports whether the pair is usable: non-nil with both
// channels live.
func (cp *ChannelPair[Req, Resp]) IsInitialized() bool {
	return cp != nil && cp.Req != nil && cp.Resp != nil
}

// Close shuts both channels and nils them out, so ranging consumers drain
// and a second Close is a no-op. Nil-safe.
func (cp *ChannelPair[Req, Resp]) Close() {
	if cp == nil {
		return
	}
	if cp.Req != nil {
		close(cp.Req)
	}
	if cp.Resp != nil {
		close(cp.Resp)
	}
	cp.Req, cp.Resp = nil, nil
}

// ForwardRequests bridges a request channel to a synchronous send function,
// answering each request on respCh. A failed send answers with errRespFn
// instead of dropping the request, so the waiting side always gets a
// response. The goroutine (tracked on wg) exits when reqCh closes.
// Exported for embedders that wire their own subprocess entry point
// instead of calling Serve.
func ForwardRequests[Req, Resp any](
	wg *sync.WaitGroup,
	in <-chan Req,
	out chan<- Resp,
	send func(Req) (Resp, error),
	fallback func(Req) Resp,
) {
	wg.Go(func() {
		for req := range in {
			if resp, err := send(req); err == nil {
				out <- resp
			} else {
				out <- fallback(req)
			}
		}
	})
}
