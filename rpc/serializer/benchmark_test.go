package serializer

import (
	"testing"

	"github.com/ValentinKolb/dMeta/rpc/common"
)

// benchmarkMessages returns a set of messages for targeted benchmarking
func benchmarkMessages() map[string]common.Message {
	return map[string]common.Message{
		"Empty": {
			MsgType: common.MsgTSuccess,
		},
		"SmallKeyOnly": {
			MsgType: common.MsgTGetKV,
			Key:     "k",
		},
		"MediumKeyOnly": {
			MsgType: common.MsgTGetKV,
			Key:     "medium-length-key-for-testing",
		},
		"LargeKeyOnly": {
			MsgType: common.MsgTGetKV,
			Key:     "this-is-a-very-large-key-that-could-be-used-for-storing-data-or-as-a-document-id-in-some-cases",
		},
		"SmallEntry": {
			MsgType: common.MsgTWrite,
			Budget:  3,
			Entry:   []byte("e"),
		},
		"MediumEntry": {
			MsgType: common.MsgTWrite,
			Budget:  3,
			Entry:   []byte("medium length log entry payload for testing serialization"),
		},
		"LargeEntry": {
			MsgType: common.MsgTWrite,
			Budget:  3,
			Entry:   make([]byte, 1024), // 1KB of data
		},
		"VeryLargeEntry": {
			MsgType: common.MsgTWrite,
			Budget:  3,
			Entry:   make([]byte, 1024*16), // 16KB of data
		},
		"NodesResponse": {
			MsgType: common.MsgTNodes,
			Ok:      true,
			Nodes: []common.NodeInfo{
				{ID: 1, Name: "node-1", Endpoint: "localhost:63001", APIAddr: "localhost:8081"},
				{ID: 2, Name: "node-2", Endpoint: "localhost:63002", APIAddr: "localhost:8082"},
				{ID: 3, Name: "node-3", Endpoint: "localhost:63003", APIAddr: "localhost:8083"},
			},
		},
		"CompleteMessage": {
			MsgType:     common.MsgTJoin,
			Key:         "complete-test-key",
			Budget:      3,
			Entry:       []byte("test-entry-data-for-benchmarking"),
			NodeID:      42,
			Ok:          true,
			Result:      []byte("test-result-data"),
			Leader:      7,
			LeaderKnown: true,
			Err:         "This is a test error message",
		},
		"ErrorMessage": {
			MsgType: common.MsgTError,
			Err:     "Lorem ipsum dolor sit amet, consectetur adipiscing elit. Sed do eiusmod tempor incididunt ut labore et dolore magna aliqua.",
		},
	}
}

// BenchmarkSerialize benchmarks serialization for all implementations with various message types
func BenchmarkSerialize(b *testing.B) {
	messages := benchmarkMessages()

	for name, factory := range testSerializers {
		for msgName, msg := range messages {
			b.Run(name+"_"+msgName, func(b *testing.B) {
				serializer := factory()
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					_, err := serializer.Serialize(msg)
					if err != nil {
						b.Fatalf("Failed to serialize: %v", err)
					}
				}
			})
		}
	}
}

// BenchmarkDeserialize benchmarks deserialization for all implementations with various message types
func BenchmarkDeserialize(b *testing.B) {
	messages := benchmarkMessages()
	serializedData := make(map[string]map[string][]byte)

	// Pre-serialize all messages with all serializers
	for name, factory := range testSerializers {
		serializer := factory()
		serializedData[name] = make(map[string][]byte)

		for msgName, msg := range messages {
			data, err := serializer.Serialize(msg)
			if err != nil {
				b.Fatalf("Failed to serialize %s with %s: %v", msgName, name, err)
			}
			serializedData[name][msgName] = data
		}
	}

	// Benchmark deserialization
	for name, factory := range testSerializers {
		for msgName := range messages {
			b.Run(name+"_"+msgName, func(b *testing.B) {
				serializer := factory()
				data := serializedData[name][msgName]
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					var msg common.Message
					err := serializer.Deserialize(data, &msg)
					if err != nil {
						b.Fatalf("Failed to deserialize: %v", err)
					}
				}
			})
		}
	}
}

// BenchmarkSize measures and reports the serialized size for each message type
func BenchmarkSize(b *testing.B) {
	messages := benchmarkMessages()

	for name, factory := range testSerializers {
		serializer := factory()

		for msgName, msg := range messages {
			b.Run(name+"_"+msgName, func(b *testing.B) {
				data, err := serializer.Serialize(msg)
				if err != nil {
					b.Fatalf("Failed to serialize: %v", err)
				}

				// Report the size as a custom metric
				b.ReportMetric(float64(len(data)), "bytes")

				// Minimal loop to satisfy benchmark requirements
				for i := 0; i < b.N; i++ {
					_ = data
				}
			})
		}
	}
}
