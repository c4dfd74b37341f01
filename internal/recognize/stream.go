// SPDX-License-Identifier: MIT

package recognize

import (
	"context"
	"io"
)

// segmentPump adapts a push-style producer (the runtime's segment callback)
// to the pull-style Stream the engine consumes. The producer goroutine calls
// Push per segment and Finish exactly once when done.
type segmentPump struct {
	segCh chan Segment
	errCh chan error

	done bool
	err  error
}

func newSegmentPump() *segmentPump {
	return &segmentPump{
		segCh: make(chan Segment),
		errCh: make(chan error, 1),
	}
}

// Push hands one segment to the consumer. It returns false when ctx ends
// before the segment is taken; the producer should stop.
func (p *segmentPump) Push(ctx context.Context, seg Segment) bool {
	select {
	case p.segCh <- seg:
		return true
	case <-ctx.Done():
		return false
	}
}

// Finish ends the stream. A nil err means clean exhaustion.
func (p *segmentPump) Finish(err error) {
	p.errCh <- err
	close(p.segCh)
}

// Next implements Stream.
func (p *segmentPump) Next(ctx context.Context) (Segment, error) {
	if p.done {
		return Segment{}, p.finalErr()
	}
	select {
	case seg, ok := <-p.segCh:
		if ok {
			return seg, nil
		}
		p.done = true
		p.err = <-p.errCh
		return Segment{}, p.finalErr()
	case <-ctx.Done():
		return Segment{}, ctx.Err()
	}
}

func (p *segmentPump) finalErr() error {
	if p.err != nil {
		return p.err
	}
	return io.EOF
}
