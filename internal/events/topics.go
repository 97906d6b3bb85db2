package events

// Topics emitted by the gift widget engine. Every topic is delivered to all
// registered subscribers.
const (
	// TopicGiftAdded fires after the gift line was added to the cart.
	TopicGiftAdded = "gift.added"
	// TopicGiftRemoved fires after the gift line was removed from the cart.
	TopicGiftRemoved = "gift.removed"
	// TopicGiftError fires when an add or remove call failed.
	TopicGiftError = "gift.error"
)
