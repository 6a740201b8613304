// Package redisstream provides a Redis Streams broker for xdispatch bridges.
//
// Broker name: "redis-streams"
//
// Minimal config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - consumer: consumer name (default "xdispatch-<host>-<pid>")
//   - concurrency: number of workers per subscription (default 8)
//   - batch_size: XREADGROUP COUNT (default 128)
//   - block: XREADGROUP BLOCK duration (default 5s)
//   - auto_create: create group/stream if missing (default true)
//   - start_id: first entry seen by a new group (default "$")
//   - auto_delete_on_ack: XDEL after XACK (default false)
//   - dead_letter: stream receiving nacked entries (optional)
//   - max_deliveries: dead-letter pending entries after this many deliveries (optional)
//
// Example usage:
//
//	broker, _ := xdispatch.NewBroker(redisstream.BrokerName, map[string]any{
//	    "addr":        "localhost:6379",
//	    "consumer":    "service-a",
//	    "concurrency": 16,
//	    "block":       "5s",
//	    "dead_letter": "payments-dlq",
//	})
//	bridge := xdispatch.NewBridge(bus, broker)
//	_ = bridge.Ingest(ctx, "payments", "billing", "payments.received")
package redisstream
