package remote

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
)

type Serializer interface {
	Serialize(any) ([]byte, error)
	TypeName(any) string
}

type Deserializer interface {
	Deserialize([]byte, string) (any, error)
}

// ProtoSerde carries payloads that are protobuf messages, resolving
// types through the global protobuf registry.
type ProtoSerde struct{}

func (ProtoSerde) Serialize(msg any) ([]byte, error) {
	return proto.Marshal(msg.(proto.Message))
}

func (ProtoSerde) TypeName(msg any) string {
	return string(proto.MessageName(msg.(proto.Message)))
}

func (ProtoSerde) Deserialize(data []byte, typeName string) (any, error) {
	name := protoreflect.FullName(typeName)
	messageType, err := protoregistry.GlobalTypes.FindMessageByName(name)
	if err != nil {
		return nil, err
	}
	protoMessage := messageType.New().Interface()
	return protoMessage, proto.Unmarshal(data, protoMessage)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]reflect.Type)
)

// RegisterType makes a Go type deserializable by name on the receiving
// side. Pass a pointer to a zero value, the way the transport's own
// messages are registered in init.
func RegisterType(v any) {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	registryMu.Lock()
	registry[t.String()] = t
	registryMu.Unlock()
}

func lookupType(name string) (reflect.Type, error) {
	registryMu.RLock()
	t, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("type (%s) is not registered. Make sure to register it with 'remote.RegisterType(&instance{})'", name)
	}
	return t, nil
}

// JSONSerde carries registered plain Go types as JSON.
type JSONSerde struct{}

func (JSONSerde) Serialize(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func (JSONSerde) TypeName(msg any) string {
	t := reflect.TypeOf(msg)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.String()
}

func (JSONSerde) Deserialize(data []byte, typeName string) (any, error) {
	t, err := lookupType(typeName)
	if err != nil {
		return nil, err
	}
	v := reflect.New(t).Interface()
	return v, json.Unmarshal(data, v)
}

// serialize picks the codec by payload type: protobuf messages go
// through the protobuf registry, everything else through the JSON type
// registry.
func serialize(msg any) (string, []byte, error) {
	if _, ok := msg.(proto.Message); ok {
		var s ProtoSerde
		data, err := s.Serialize(msg)
		return s.TypeName(msg), data, err
	}
	var s JSONSerde
	data, err := s.Serialize(msg)
	return s.TypeName(msg), data, err
}

func deserialize(typeName string, data []byte) (any, error) {
	registryMu.RLock()
	_, registered := registry[typeName]
	registryMu.RUnlock()
	if registered {
		return JSONSerde{}.Deserialize(data, typeName)
	}
	return ProtoSerde{}.Deserialize(data, typeName)
}
