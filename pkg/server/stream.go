package server

import (
	"bufio"
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/probelab/deepresearch/pkg/events"
	"github.com/probelab/deepresearch/pkg/observability"
	"github.com/probelab/deepresearch/pkg/state"
	"github.com/valyala/fasthttp"
)

// streamResearch runs the session and answers with one JSON event per
// line. The run is detached from the request: a client that drops the
// connection does not abort the research, it just stops seeing events.
// Progress keeps landing in checkpoints either way.
func (h *ResearchHandler) streamResearch(c *fiber.Ctx, entry *state.Entry) error {
	stream := events.NewStream(entry.Session.ID)

	go func() {
		ctx := context.Background()
		if _, err := h.orch.Research(ctx, entry.Context, stream); err != nil {
			h.logger.Error(ctx, "research run ended with error", err, observability.Fields{
				"session_id": entry.Session.ID,
			})
		}
		h.syncSession(entry)
	}()

	c.Set(fiber.HeaderContentType, "application/x-ndjson")
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		enc := json.NewEncoder(w)
		var writeErr error
		// Drain to the terminal event even if the client is gone, so
		// the producer never blocks on a full buffer.
		for ev := range stream.Events() {
			if writeErr != nil {
				continue
			}
			if writeErr = enc.Encode(ev); writeErr == nil {
				writeErr = w.Flush()
			}
		}
	}))
	return nil
}
