package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"unicode"

	"github.com/rotisserie/eris"
)

// DecodeJSON streams items from r, which holds either a JSON array
// ([{...},{...}]) or JSON lines (one object per line). Both channels are
// closed when processing completes.
func DecodeJSON[T any](ctx context.Context, r io.Reader) (<-chan T, <-chan error) {
	outCh := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		br := bufio.NewReader(r)
		first, err := peekNonSpace(br)
		if err == io.EOF {
			return
		}
		if err != nil {
			errCh <- eris.Wrap(err, "json: read input")
			return
		}

		decoder := json.NewDecoder(br)
		if first == '[' {
			if _, err := decoder.Token(); err != nil {
				errCh <- eris.Wrap(err, "json: read opening token")
				return
			}
		}

		for {
			if first == '[' && !decoder.More() {
				break
			}
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}

			var item T
			if err := decoder.Decode(&item); err != nil {
				if err == io.EOF && first != '[' {
					return
				}
				errCh <- eris.Wrap(err, "json: decode element")
				return
			}

			select {
			case outCh <- item:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}
		}

		if _, err := decoder.Token(); err != nil && err != io.EOF {
			errCh <- eris.Wrap(err, "json: read closing token")
		}
	}()

	return outCh, errCh
}

// peekNonSpace skips leading whitespace and returns the next byte without
// consuming it.
func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		if !unicode.IsSpace(rune(b[0])) && b[0] != 0xEF && b[0] != 0xBB && b[0] != 0xBF {
			return b[0], nil
		}
		if _, err := br.ReadByte(); err != nil {
			return 0, err
		}
	}
}
