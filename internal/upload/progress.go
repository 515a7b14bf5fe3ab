package upload

import (
	"context"
	"errors"
	"io"

	"github.com/cairocoder/erfa3ly/internal/session"
)

var errCancelled = errors.New("upload cancelled")

// progressReader reports bytes read as a percentage in [base, base+span] of
// the session's progress. A cancelled session stops the read.
type progressReader struct {
	ctx   context.Context
	r     io.Reader
	store session.Store
	id    string
	total int64
	base  int
	span  int

	read      int64
	last      int
	cancelled bool
}

func (p *progressReader) Read(b []byte) (int, error) {
	if p.cancelled {
		return 0, errCancelled
	}
	n, err := p.r.Read(b)
	p.read += int64(n)

	pct := p.base + p.span
	if p.total > 0 {
		done := p.read
		if done > p.total {
			done = p.total
		}
		pct = p.base + int(done*int64(p.span)/p.total)
	}
	if pct > p.last || (n > 0 && p.last == 0) {
		p.last = pct
		s, uerr := p.store.UpdateProgress(p.ctx, p.id, pct)
		if uerr == nil && s.Cancelled {
			p.cancelled = true
			return n, errCancelled
		}
	}
	return n, err
}

// headBuffer keeps the first limit bytes written to it.
type headBuffer struct {
	limit int
	buf   []byte
}

func (h *headBuffer) Write(p []byte) (int, error) {
	if room := h.limit - len(h.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		h.buf = append(h.buf, p[:room]...)
	}
	return len(p), nil
}
