package web

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dukex/stepflow/pkg/broadcast"
	"github.com/dukex/stepflow/pkg/events"
	"github.com/gofiber/fiber/v3"
)

const DefaultKeepAlive = 15 * time.Second

// StreamEvents serves terminal execution events as Server-Sent Events.
// Only events published after the client connected are sent.
func (h *APIHandlers) StreamEvents(c fiber.Ctx) error {
	subscription, err := h.hub.Subscribe()
	if err != nil {
		return unavailable(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	reader, writer := io.Pipe()

	go pumpEvents(subscription, writer, h.keepAlive)

	return c.SendStream(reader)
}

// pumpEvents copies a subscription into an SSE stream until either side goes away.
func pumpEvents(subscription *broadcast.Subscription, w *io.PipeWriter, keepAlive time.Duration) {
	defer subscription.Close()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	_, err := io.WriteString(w, ": connected\n\n")
	if err != nil {
		return
	}

	for {
		select {
		case event, ok := <-subscription.Events():
			if !ok {
				_ = w.Close()

				return
			}

			err = writeEvent(w, event)
		case <-ticker.C:
			_, err = io.WriteString(w, ": keep-alive\n\n")
		}

		if err != nil {
			_ = w.CloseWithError(err)

			return
		}
	}
}

func writeEvent(w io.Writer, event events.ExecutionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)

	return err
}
