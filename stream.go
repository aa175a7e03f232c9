package agentpipe

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

// Prompts builds an input sequence from a fixed set of user messages.
func Prompts(items ...string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, item := range items {
			if !yield(item) {
				return
			}
		}
	}
}

// PromptsFromChannel builds an input sequence from a channel, for
// callers producing messages over time. The sequence ends when the
// channel closes.
func PromptsFromChannel(ch <-chan string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for item := range ch {
			if !yield(item) {
				return
			}
		}
	}
}

// Run connects, pumps the given user messages into the stream, and
// yields events until the stream ends. Input pumping runs concurrently
// with event consumption so capability callbacks stay serviceable
// while input is still being written.
//
// Setup and stream failures are yielded inline as the final element.
func Run(ctx context.Context, prompts iter.Seq[string], opts ...Option) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		conn, err := Connect(ctx, opts...)
		if err != nil {
			yield(nil, err)

			return
		}

		defer conn.Close()

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			defer func() { _ = conn.CloseInput() }()

			for prompt := range prompts {
				if err := conn.SendUserMessage(gctx, prompt); err != nil {
					return err
				}
			}

			return nil
		})

		for event, eventErr := range conn.Events(ctx) {
			if eventErr != nil {
				_ = g.Wait()
				yield(nil, eventErr)

				return
			}

			if !yield(event, nil) {
				_ = g.Wait()

				return
			}
		}

		if err := g.Wait(); err != nil {
			yield(nil, err)
		}
	}
}
