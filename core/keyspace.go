package core

const DefaultKeyPrefix = "chat"

// Keyspace derives the Redis keys used by the history cache and the write-behind queue.
// Nothing outside this type depends on the key format.
type Keyspace struct {
	Prefix string
}

func NewKeyspace(prefix string) Keyspace {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return Keyspace{Prefix: prefix}
}

// RoomCache is the sorted set holding the recent history of a room.
func (k Keyspace) RoomCache(roomID string) string {
	return k.prefix() + ":room:" + roomID
}

// Queue is the write-behind list. Every room maps to the same FIFO.
func (k Keyspace) Queue() string {
	return k.prefix() + ":persist_queue"
}

// DeadLetter holds queue entries that could not be persisted.
func (k Keyspace) DeadLetter() string {
	return k.prefix() + ":persist_dead"
}

func (k Keyspace) prefix() string {
	if k.Prefix == "" {
		return DefaultKeyPrefix
	}
	return k.Prefix
}
