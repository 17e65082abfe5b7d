package client

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/vaultlink/pkg/dispatcher"
	"github.com/go-go-golems/vaultlink/pkg/protocol"
	"github.com/go-go-golems/vaultlink/pkg/stream"
)

// TypeChatStream carries one stream record per envelope over the persistent
// connection. It is application defined, the dispatcher sees it as unknown
// unless something is attached.
const TypeChatStream protocol.EnvelopeType = "chat_stream"

// AttachEnvelopeStream feeds the data of chat_stream envelopes into ex until
// ex reaches a terminal status, then detaches itself. The returned function
// detaches early. Only one exchange can be attached to a dispatcher at a time,
// attaching another one replaces it and detaching the old one afterwards
// leaves the new one in place.
func AttachEnvelopeStream(d *dispatcher.Dispatcher, ex *stream.Exchange) (detach func()) {
	logger := log.With().Str("component", "envelope-stream").Str("exchange_id", ex.ID()).Logger()
	var unregister func()
	var once sync.Once
	detach = func() {
		once.Do(unregister)
	}

	unregister = d.Register(TypeChatStream, func(ctx context.Context, e *protocol.Envelope) error {
		rec, err := stream.ParseRecord(e.Data)
		if err != nil {
			logger.Warn().Err(err).Bytes("data", e.Data).Msg("Skipping malformed stream record")
			return nil
		}
		if err := ex.Feed(rec); err != nil {
			detach()
			return nil
		}
		if ex.Status().Terminal() {
			detach()
		}
		return nil
	})

	return detach
}
