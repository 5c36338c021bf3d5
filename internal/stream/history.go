package stream

import (
	"context"
	"iter"

	"crew-chat-service/internal/errs"
	"crew-chat-service/internal/models"
)

// History is a lazy, restartable view of a group's log after a sequence.
// Each call to All reads the store again from the start of the view.
type History struct {
	stream  *Stream
	groupID int64
	since   int64
	limit   int

	// Oldest and Last are the retained bounds when the view was opened.
	Oldest int64
	Last   int64
}

// Since returns the exclusive lower bound of the view.
func (h *History) Since() int64 { return h.since }

// All yields messages in ascending sequence order, page by page. A break in
// the sequence after the first message, caused by retention racing the
// reader, ends the iteration with errs.ErrGapExceeded.
func (h *History) All(ctx context.Context) iter.Seq2[models.Message, error] {
	return func(yield func(models.Message, error) bool) {
		s := h.stream
		cursor := h.since
		remaining := h.limit
		first := true

		for {
			n := s.opts.PageSize
			if h.limit > 0 && remaining < n {
				n = remaining
			}
			page, err := s.repo.ListGroupMessagesSince(ctx, h.groupID, cursor, n)
			if err != nil {
				yield(models.Message{}, err)
				return
			}
			s.decorate(ctx, page)

			for _, m := range page {
				switch {
				case m.Sequence <= cursor:
					yield(models.Message{}, errs.New(errs.ErrSystemInvariantFault, "group %d history went from %d to %d", h.groupID, cursor, m.Sequence))
					return
				case m.Sequence > cursor+1 && !(first && h.since == 0):
					yield(models.Message{}, errs.New(errs.ErrGapExceeded, "group %d history jumped from %d to %d", h.groupID, cursor, m.Sequence))
					return
				}
				if !yield(m, nil) {
					return
				}
				first = false
				cursor = m.Sequence
				remaining--
			}

			if len(page) < n || (h.limit > 0 && remaining <= 0) {
				return
			}
		}
	}
}

// Collect drains All into a slice.
func (h *History) Collect(ctx context.Context) ([]models.Message, error) {
	var out []models.Message
	for m, err := range h.All(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}
