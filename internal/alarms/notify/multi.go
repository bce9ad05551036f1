package notify

import "context"

// MultiChannel fans rendered content out to several channels. The first
// failure is returned after all channels have been attempted.
type MultiChannel struct {
	channels []Channel
}

// NewMultiChannel constructs a MultiChannel.
func NewMultiChannel(channels ...Channel) *MultiChannel {
	return &MultiChannel{channels: channels}
}

// Send forwards content to all channels.
func (m *MultiChannel) Send(ctx context.Context, content string) error {
	if m == nil {
		return nil
	}
	var first error
	for _, ch := range m.channels {
		if ch == nil {
			continue
		}
		if err := ch.Send(ctx, content); err != nil && first == nil {
			first = err
		}
	}
	return first
}
