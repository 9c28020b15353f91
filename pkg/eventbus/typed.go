package eventbus

import "context"

// SubscribeTyped wraps Subscribe for call sites that want to decode Data into
// a concrete payload type via decode, avoiding a type-switch at every
// handler. decode receives the event's Data map; returning an error behaves
// like a handler error (logged, dispatch continues).
func SubscribeTyped[T any](b *Bus, eventType string, decode func(map[string]any) (T, error), handler func(context.Context, Event, T) error) func() {
	return b.Subscribe(eventType, func(ctx context.Context, event Event) error {
		payload, err := decode(event.Data)
		if err != nil {
			return err
		}
		return handler(ctx, event, payload)
	})
}
