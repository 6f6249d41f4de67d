package pub

// Event is the publish-side input of a message: the broker assigns its id,
// offset and publish time.
type Event struct {
	Data        []byte            `json:"data"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	OrderingKey string            `json:"orderingKey,omitempty"`
}
