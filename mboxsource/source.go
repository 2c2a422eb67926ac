// Package mboxsource reads raw messages from an mbox file so a mailbox
// export can be backfilled through the ingestion pipeline.
package mboxsource

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/emersion/go-mbox"
	"github.com/freightdesk/mailingest/models"
)

// Source yields the messages of one mbox stream in file order. Sequence
// numbers start at 1.
type Source struct {
	r      *mbox.Reader
	closer io.Closer
	seq    uint32
}

func New(r io.Reader) *Source {
	return &Source{r: mbox.NewReader(r)}
}

// Open reads the mbox file at path.
func Open(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	s := New(f)
	s.closer = f
	return s, nil
}

func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Next returns the next message, or io.EOF after the last one. Messages with
// an empty body are skipped.
func (s *Source) Next() (models.RawMessage, error) {
	for {
		mr, err := s.r.NextMessage()
		if errors.Is(err, io.EOF) {
			return models.RawMessage{}, io.EOF
		}
		if err != nil {
			return models.RawMessage{}, fmt.Errorf("read mbox message %d: %w", s.seq+1, err)
		}
		body, err := io.ReadAll(mr)
		if err != nil {
			return models.RawMessage{}, fmt.Errorf("read mbox message %d: %w", s.seq+1, err)
		}
		s.seq++
		if len(bytes.TrimSpace(body)) == 0 {
			continue
		}
		return models.RawMessage{SeqNum: s.seq, Body: body}, nil
	}
}

// Batch returns up to n messages. A short batch with a nil error means the
// stream is exhausted; the next call returns io.EOF.
func (s *Source) Batch(n int) ([]models.RawMessage, error) {
	if n < 1 {
		n = 1
	}
	out := make([]models.RawMessage, 0, n)
	for len(out) < n {
		msg, err := s.Next()
		if errors.Is(err, io.EOF) {
			if len(out) == 0 {
				return nil, io.EOF
			}
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
	return out, nil
}
