package rabbitmq

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/glimte/mmate-listeners/internal/rabbitmq/rabbitmqtest"
)

func sourceOf(src *rabbitmqtest.Source) ChannelSource {
	return ChannelSourceFunc(func() (Channel, error) {
		ch, err := src.Open()
		if err != nil {
			return nil, err
		}
		return ch, nil
	})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitSettled(t *testing.T, ack *rabbitmqtest.Acknowledger) {
	t.Helper()
	select {
	case <-ack.Settled():
	case <-time.After(2 * time.Second):
		t.Fatal("delivery was never acked or nacked")
	}
}
