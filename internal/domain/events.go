package domain

import (
	"fmt"
	"strings"
)

// EntityType names a synchronized entity kind. It is the first segment of a
// routing key.
type EntityType string

const (
	EntityEmployee   EntityType = "employee"
	EntityDepartment EntityType = "department"
)

// Action is the mutation an event announces.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ParseEntityType accepts any casing.
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(strings.ToLower(strings.TrimSpace(s))) {
	case EntityEmployee:
		return EntityEmployee, nil
	case EntityDepartment:
		return EntityDepartment, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEntity, s)
}

// ParseAction accepts both CREATE and create.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionCreate:
		return ActionCreate, nil
	case ActionUpdate:
		return ActionUpdate, nil
	case ActionDelete:
		return ActionDelete, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// RoutingKey builds the hierarchical "<entity>.<action>" key.
func RoutingKey(entity EntityType, action Action) string {
	return string(entity) + "." + string(action)
}

// ParseRoutingKey splits a routing key into entity and action.
func ParseRoutingKey(key string) (EntityType, Action, error) {
	entity, action, ok := strings.Cut(key, ".")
	if !ok || strings.Contains(action, ".") {
		return "", "", fmt.Errorf("%w: routing key %q", ErrMalformedPayload, key)
	}
	et, err := ParseEntityType(entity)
	if err != nil {
		return "", "", err
	}
	act, err := ParseAction(action)
	if err != nil {
		return "", "", err
	}
	return et, act, nil
}

// ChangeEvent carries the full current state of one entity. Exactly one of
// Employee or Department is set for create and update; delete events carry
// only the id.
type ChangeEvent struct {
	Entity     EntityType
	Action     Action
	ID         int64
	Employee   *Employee
	Department *Department
}

// RoutingKey returns the key the event is published under.
func (e ChangeEvent) RoutingKey() string { return RoutingKey(e.Entity, e.Action) }
