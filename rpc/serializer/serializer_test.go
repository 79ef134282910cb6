package serializer

import (
	"reflect"
	"testing"

	"github.com/ValentinKolb/dMeta/rpc/common"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON":   NewJSONSerializer,
	"GOB":    NewGOBSerializer,
	"Binary": NewBinarySerializer,
}

// testMessages creates a set of test messages with different fields filled
func testMessages() []common.Message {
	return []common.Message{
		// Basic message with just a type
		{MsgType: common.MsgTSuccess},

		// Write request
		{
			MsgType: common.MsgTWrite,
			Budget:  3,
			Entry:   []byte{0, 0, 0, 0, 0, 0, 0, 0, 7},
		},

		// GetKV request
		{
			MsgType: common.MsgTGetKV,
			Key:     "test-key",
		},

		// GetKV response
		{
			MsgType: common.MsgTGetKV,
			Ok:      true,
			Result:  []byte("opaque-applied-state"),
		},

		// Leave request
		{
			MsgType: common.MsgTLeave,
			Budget:  1,
			Entry:   []byte{3, 0, 0, 0, 0, 0, 0, 0, 0},
			NodeID:  42,
		},

		// Nodes response
		{
			MsgType: common.MsgTNodes,
			Ok:      true,
			Nodes: []common.NodeInfo{
				{ID: 1, Name: "node-1", Endpoint: "localhost:63001", APIAddr: "localhost:8081"},
				{ID: 2, Name: "node-2", Endpoint: "localhost:63002", APIAddr: "localhost:8082"},
			},
		},

		// Routing error response with leader hint
		{
			MsgType:     common.MsgTError,
			Err:         "forward to leader: node-7",
			Forward:     true,
			Leader:      7,
			LeaderKnown: true,
		},

		// Routing error response without a known leader: the forward flag
		// is the only signal, no hint fields ride along.
		{
			MsgType: common.MsgTError,
			Err:     "forward to leader: no leader known",
			Forward: true,
		},

		// Plain error response
		{
			MsgType: common.MsgTError,
			Err:     "test error message",
		},
	}
}

// TestSerializerRoundTrip tests that messages can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	messages := testMessages()

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, msg := range messages {
				// Serialize
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message %d: %v", i, err)
					continue
				}

				// Deserialize
				var result common.Message
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize message %d: %v", i, err)
					continue
				}

				// Compare
				if !reflect.DeepEqual(msg, result) {
					t.Errorf("Message %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v",
						i, msg, result)
				}
			}
		})
	}
}

// TestMessageTypes tests each message type with each serializer
func TestMessageTypes(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			// Test each message type (don't test for MsgTUnknown since this should raise an error)
			for msgType := common.MsgTSuccess; msgType <= common.MsgTMetrics; msgType++ {
				msg := common.Message{MsgType: msgType}

				// Serialize
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message type %s: %v", msgType.String(), err)
					continue
				}

				// Deserialize
				var result common.Message
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize message type %s: %v", msgType.String(), err)
					continue
				}

				// Check type
				if result.MsgType != msgType {
					t.Errorf("Message type doesn't match after round trip: Expected %s, got %s",
						msgType.String(), result.MsgType.String())
				}
			}
		})
	}
}

// TestBinarySerializerSpecific tests specific edge cases for the binary serializer
func TestBinarySerializerSpecific(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name string
		msg  common.Message
	}{
		{
			name: "Empty message",
			msg:  common.Message{},
		},
		{
			name: "Message with empty strings and zero values",
			msg: common.Message{
				MsgType: common.MsgTWrite,
				Key:     "",
				Budget:  0,
				Ok:      false,
				Err:     "",
			},
		},
		{
			name: "Booleans without payload fields",
			msg: common.Message{
				MsgType:     common.MsgTGetKV,
				Ok:          true,
				LeaderKnown: true,
			},
		},
		{
			name: "Empty entry slice but not nil",
			msg: common.Message{
				MsgType: common.MsgTWrite,
				Entry:   []byte{},
			},
		},
		{
			name: "Empty nodes slice but not nil",
			msg: common.Message{
				MsgType: common.MsgTNodes,
				Nodes:   []common.NodeInfo{},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := serializer.Serialize(tc.msg)
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}

			var result common.Message
			err = serializer.Deserialize(data, &result)
			if err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}

			if !reflect.DeepEqual(tc.msg, result) {
				t.Errorf("Message doesn't match after round trip:\nOriginal: %+v\nResult: %+v", tc.msg, result)
			}
		})
	}
}

// TestInvalidBinaryData tests how the binary serializer handles corrupt or invalid data
func TestInvalidBinaryData(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name        string
		data        []byte
		expectError bool
	}{
		{
			name:        "Empty data",
			data:        []byte{},
			expectError: true,
		},
		{
			name:        "Too short header",
			data:        []byte{1, 0}, // Message type plus one flag byte only
			expectError: true,
		},
		{
			name:        "Valid header only",
			data:        []byte{1, 0, 0}, // Message type 1, no flags
			expectError: false,
		},
		{
			name:        "Truncated budget",
			data:        []byte{1, 0, 1, 0, 0}, // hasBudget set but only 2 payload bytes
			expectError: true,
		},
		{
			name:        "Invalid length for key",
			data:        []byte{1, 0, 2, 0, 0, 0, 5, 'a', 'b', 'c'}, // Claims key length 5 but only 3 bytes provided
			expectError: true,
		},
		{
			name:        "Invalid length for entry",
			data:        []byte{1, 0, 4, 0, 0, 0, 10}, // Claims entry length 10 but no bytes provided
			expectError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var msg common.Message
			err := serializer.Deserialize(tc.data, &msg)

			if tc.expectError && err == nil {
				t.Errorf("Expected error but got none")
			} else if !tc.expectError && err != nil {
				t.Errorf("Did not expect error but got: %v", err)
			}
		})
	}
}
