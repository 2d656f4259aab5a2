package execution

import (
	"errors"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	errspkg "github.com/drblury/topicplugins/internal/runtime/errors"
	"github.com/drblury/topicplugins/internal/runtime/jsoncodec"
)

// Content types understood by Decode. An empty content type means JSON.
const (
	ContentTypeJSON         = "application/json"
	ContentTypeProtobuf     = "application/x-protobuf"
	ContentTypeProtobufJSON = "application/protobuf+json"
)

var errEmptyPayload = errors.New("empty payload")

// Decode builds a Context from a message payload. Protobuf payloads carry a
// google.protobuf.Struct with the same field names as the JSON form.
func Decode(messageID, contentType string, payload []byte) (*Context, error) {
	fields, err := decodeFields(contentType, payload)
	if err != nil {
		return nil, &errspkg.DeserializationError{MessageID: messageID, Err: err}
	}
	return New(fields), nil
}

func decodeFields(contentType string, payload []byte) (Fields, error) {
	var f Fields
	if len(payload) == 0 {
		return f, errEmptyPayload
	}

	mediaType, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(contentType)), ";")
	switch strings.TrimSpace(mediaType) {
	case "", ContentTypeJSON:
		err := jsoncodec.Unmarshal(payload, &f)
		return f, err
	case ContentTypeProtobuf:
		var s structpb.Struct
		if err := proto.Unmarshal(payload, &s); err != nil {
			return f, err
		}
		return fromStruct(&s)
	case ContentTypeProtobufJSON:
		var s structpb.Struct
		if err := protojson.Unmarshal(payload, &s); err != nil {
			return f, err
		}
		return fromStruct(&s)
	default:
		return f, errors.New("unsupported content type " + contentType)
	}
}

func fromStruct(s *structpb.Struct) (Fields, error) {
	var f Fields
	data, err := jsoncodec.Marshal(s.AsMap())
	if err != nil {
		return f, err
	}
	err = jsoncodec.Unmarshal(data, &f)
	return f, err
}

// Encode renders c in the requested content type.
func Encode(c *Context, contentType string) ([]byte, error) {
	data, err := jsoncodec.Marshal(c.f)
	if err != nil {
		return nil, err
	}
	switch contentType {
	case "", ContentTypeJSON:
		return data, nil
	case ContentTypeProtobuf, ContentTypeProtobufJSON:
		var raw map[string]any
		if err := jsoncodec.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		s, err := structpb.NewStruct(raw)
		if err != nil {
			return nil, err
		}
		if contentType == ContentTypeProtobuf {
			return proto.Marshal(s)
		}
		return protojson.Marshal(s)
	default:
		return nil, errors.New("unsupported content type " + contentType)
	}
}
