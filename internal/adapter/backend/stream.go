package backend

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nareth/helmsman/internal/core/domain"
)

// consumeStream forwards chunks to out as they arrive. The first chunk
// stamps TTFT, every chunk resets the inactivity timer, and the last chunk
// closes the streaming duration. Token counts ride on the final metadata
// object when the backend sends one.
func (c *Client) consumeStream(ctx context.Context, cancel context.CancelFunc, server *domain.Server, req *domain.RequestContext, body io.Reader, out io.Writer) (*domain.CompletionResult, error) {
	// The inactivity timer cancels the whole exchange; inactive
	// distinguishes that from a caller cancellation.
	var inactive atomic.Bool
	var activity *time.Timer
	if c.cfg.ActivityTimeout > 0 {
		activity = time.AfterFunc(c.cfg.ActivityTimeout, func() {
			inactive.Store(true)
			cancel()
		})
		defer activity.Stop()
	}

	bufPtr := c.bufferPool.Get()
	defer c.bufferPool.Put(bufPtr)
	buf := *bufPtr

	result := &domain.CompletionResult{Streamed: true}
	started := c.now()
	var firstChunkAt, lastChunkAt time.Time
	var tail []byte

	reader := &contextReader{ctx: ctx, r: body}

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			now := c.now()
			if firstChunkAt.IsZero() {
				firstChunkAt = now
				result.TTFT = now.Sub(started)
			}
			lastChunkAt = now
			if activity != nil {
				activity.Reset(c.cfg.ActivityTimeout)
			}

			if written, werr := out.Write(buf[:n]); werr != nil {
				result.BytesWritten += int64(written)
				return result, domain.NewRequestError(domain.ErrKindCancelled, server.ID, req.Model, 0, werr)
			}
			result.BytesWritten += int64(n)
			tail = retainTail(tail, buf[:n])
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if inactive.Load() {
				return result, domain.NewRequestError(domain.ErrKindTimeout, server.ID, req.Model, 0,
					errors.New("stream activity timeout"))
			}
			return result, c.transportError(server.ID, req.Model, err)
		}
	}

	if !firstChunkAt.IsZero() {
		result.StreamingDuration = lastChunkAt.Sub(firstChunkAt)
	}
	result.TokensGenerated, result.TokensPrompt = extractTokenCounts(tail)
	return result, nil
}

// retainTail keeps the last chunk of the stream so the trailing metadata
// object survives without buffering the whole response.
func retainTail(tail, chunk []byte) []byte {
	if len(chunk) >= maxErrorBodyBytes {
		return append(tail[:0], chunk[len(chunk)-maxErrorBodyBytes:]...)
	}
	combined := append(tail, chunk...)
	if len(combined) > maxErrorBodyBytes {
		combined = combined[len(combined)-maxErrorBodyBytes:]
	}
	return combined
}

// extractTokenCounts pulls eval counts from trailing JSON metadata. Scans
// from the last line backwards since the final object carries the totals.
func extractTokenCounts(data []byte) (generated, prompt int64) {
	if len(data) == 0 {
		return 0, 0
	}
	for _, line := range lastLines(data, 4) {
		if gen := gjson.GetBytes(line, "eval_count"); gen.Exists() {
			generated = gen.Int()
			prompt = gjson.GetBytes(line, "prompt_eval_count").Int()
			return generated, prompt
		}
	}
	return 0, 0
}

// lastLines returns up to n non-empty trailing lines, newest first.
func lastLines(data []byte, n int) [][]byte {
	var lines [][]byte
	end := len(data)
	for end > 0 && len(lines) < n {
		start := end - 1
		for start > 0 && data[start-1] != '\n' {
			start--
		}
		line := data[start:end]
		if len(line) > 0 && line[0] != '\n' {
			lines = append(lines, trimNewline(line))
		}
		end = start - 1
		if end < 0 {
			break
		}
	}
	return lines
}

func trimNewline(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

// contextReader aborts blocking reads when ctx is cancelled. http response
// bodies don't watch the request context once headers are through.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := cr.r.Read(p)
	if err != nil && cr.ctx.Err() != nil {
		return n, cr.ctx.Err()
	}
	return n, err
}
