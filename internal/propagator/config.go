package propagator

// Config holds the update propagator settings.
type Config struct {
	// NatsURL is the JetStream endpoint; empty selects the in-memory
	// engine (single-process deployments and tests).
	NatsURL string `yaml:"nats_url"`

	// StreamName is the JetStream stream carrying set events.
	StreamName string `yaml:"stream_name"`

	// ConsumerName is the durable consumer identity.
	ConsumerName string `yaml:"consumer_name"`

	// ChunkSize is how many records are recomputed per batch.
	ChunkSize int `yaml:"chunk_size"`
}

// DefaultConfig returns default propagator settings.
func DefaultConfig() Config {
	return Config{
		StreamName:   "OAI_SETS",
		ConsumerName: "propagator",
		ChunkSize:    100,
	}
}
