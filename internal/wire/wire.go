// Package wire converts message bodies into change events.
//
// Bodies arrive in one of the legacy shapes: a JSON object, a JSON string
// holding an escaped JSON object, or for deletes a bare id. Normalize strips
// the string wrapping before anything is parsed.
package wire

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/bytedance/sonic"

	"github.com/mailiemtruc/officesync-sub000/internal/domain"
)

// maxUnwrap bounds how many layers of string encoding are peeled off.
const maxUnwrap = 2

// Normalize returns the structural JSON carried by body, unwrapping a
// double-encoded string form.
func Normalize(body []byte) ([]byte, error) {
	out := bytes.TrimSpace(body)
	for i := 0; i < maxUnwrap && isQuoted(out); i++ {
		var inner string
		if err := sonic.Unmarshal(out, &inner); err != nil {
			return nil, fmt.Errorf("%w: unwrap string body: %v", domain.ErrMalformedPayload, err)
		}
		out = bytes.TrimSpace([]byte(inner))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty body", domain.ErrMalformedPayload)
	}
	return out, nil
}

func isQuoted(b []byte) bool {
	return len(b) >= 2 && b[0] == '"' && b[len(b)-1] == '"'
}

// Decode parses a message body for the given entity and action.
func Decode(entity domain.EntityType, action domain.Action, body []byte) (domain.ChangeEvent, error) {
	ev := domain.ChangeEvent{Entity: entity, Action: action}
	data, err := Normalize(body)
	if err != nil {
		return ev, err
	}

	if action == domain.ActionDelete {
		id, err := decodeID(data)
		if err != nil {
			return ev, err
		}
		ev.ID = id
		return ev, nil
	}

	if data[0] != '{' {
		return ev, fmt.Errorf("%w: %s %s body is not an object", domain.ErrMalformedPayload, entity, action)
	}
	switch entity {
	case domain.EntityEmployee:
		var e domain.Employee
		if err := sonic.Unmarshal(data, &e); err != nil {
			return ev, fmt.Errorf("%w: employee: %v", domain.ErrMalformedPayload, err)
		}
		ev.ID = e.ID
		ev.Employee = &e
	case domain.EntityDepartment:
		var d domain.Department
		if err := sonic.Unmarshal(data, &d); err != nil {
			return ev, fmt.Errorf("%w: department: %v", domain.ErrMalformedPayload, err)
		}
		ev.ID = d.ID
		ev.Department = &d
	default:
		return ev, fmt.Errorf("%w: %q", domain.ErrUnknownEntity, entity)
	}
	if ev.ID <= 0 {
		return ev, fmt.Errorf("%w: %s %s without id", domain.ErrMalformedPayload, entity, action)
	}
	return ev, nil
}

// DecodeRoutingKey parses the routing key and body together.
func DecodeRoutingKey(key string, body []byte) (domain.ChangeEvent, error) {
	entity, action, err := domain.ParseRoutingKey(key)
	if err != nil {
		return domain.ChangeEvent{}, err
	}
	return Decode(entity, action, body)
}

func decodeID(data []byte) (int64, error) {
	if data[0] == '{' {
		var ref struct {
			ID int64 `json:"id"`
		}
		if err := sonic.Unmarshal(data, &ref); err != nil {
			return 0, fmt.Errorf("%w: delete body: %v", domain.ErrMalformedPayload, err)
		}
		if ref.ID <= 0 {
			return 0, fmt.Errorf("%w: delete body without id", domain.ErrMalformedPayload)
		}
		return ref.ID, nil
	}
	id, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: delete id %q", domain.ErrMalformedPayload, data)
	}
	return id, nil
}

// Encode serializes the full state of an entity, or a bare id for deletes.
func Encode(state any) ([]byte, error) {
	return sonic.Marshal(state)
}
