package relay

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type clientSchemaRegistry struct {
	once    sync.Once
	initErr error
	frame   *jsonschema.Schema
	events  map[string]*jsonschema.Schema
}

var clientSchemas clientSchemaRegistry

func initClientSchemas() error {
	clientSchemas.once.Do(func() {
		frameSchema, err := jsonschema.CompileString("client_frame", clientFrameSchema)
		if err != nil {
			clientSchemas.initErr = err
			return
		}
		clientSchemas.frame = frameSchema

		events := map[string]string{
			EventSendMessage: sendMessagePayloadSchema,
		}
		clientSchemas.events = make(map[string]*jsonschema.Schema, len(events))
		for name, schema := range events {
			compiled, err := jsonschema.CompileString("client_event_"+name, schema)
			if err != nil {
				clientSchemas.initErr = err
				return
			}
			clientSchemas.events[name] = compiled
		}
	})
	return clientSchemas.initErr
}

// validateClientFrame checks the envelope and, for known events, the payload.
func validateClientFrame(raw []byte) error {
	if err := initClientSchemas(); err != nil {
		return err
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := clientSchemas.frame.Validate(doc); err != nil {
		return err
	}
	event, _ := doc["event"].(string)
	schema, ok := clientSchemas.events[event]
	if !ok {
		return fmt.Errorf("unsupported event %q", event)
	}
	payload, ok := doc["payload"]
	if !ok {
		payload = map[string]any{}
	}
	return schema.Validate(payload)
}

const clientFrameSchema = `{
  "type": "object",
  "required": ["type", "event"],
  "properties": {
    "type": { "const": "event" },
    "event": { "type": "string", "minLength": 1 },
    "payload": {},
    "seq": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": true
}`

const sendMessagePayloadSchema = `{
  "type": "object",
  "required": ["chatId", "message"],
  "properties": {
    "chatId": { "type": "string", "minLength": 1 },
    "message": { "type": "string", "minLength": 1, "maxLength": 4096 }
  },
  "additionalProperties": true
}`
