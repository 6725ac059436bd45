package replica

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mailiemtruc/officesync-sub000/internal/domain"
	"github.com/mailiemtruc/officesync-sub000/internal/wire"
)

const tracerName = "github.com/mailiemtruc/officesync-sub000/internal/replica"

// Reconciler applies change events to one replica. Every message is applied
// in a single store transaction, so readers never see a row under both its
// stale and its new id.
//
// Conflicts are resolved by application order: the last applied event wins,
// including a redelivered older one.
type Reconciler struct {
	name   string
	store  Store
	logger *log.Logger
	tracer trace.Tracer
}

// NewReconciler creates a reconciler for the named replica.
func NewReconciler(name string, store Store, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Reconciler{
		name:   name,
		store:  store,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
}

// Store returns the replica store the reconciler writes to.
func (r *Reconciler) Store() Store { return r.store }

// Apply decodes one message body and applies it.
func (r *Reconciler) Apply(ctx context.Context, entityType, action string, body []byte) Result {
	entity, err := domain.ParseEntityType(entityType)
	if err != nil {
		return r.drop(Result{}, err)
	}
	act, err := domain.ParseAction(action)
	if err != nil {
		return r.drop(Result{Entity: entity}, err)
	}
	ev, err := wire.Decode(entity, act, body)
	if err != nil {
		return r.drop(Result{Entity: entity, Action: act, ID: ev.ID}, err)
	}
	return r.ApplyEvent(ctx, ev)
}

// ApplyRoutingKey applies a message addressed by its "<entity>.<action>" key.
func (r *Reconciler) ApplyRoutingKey(ctx context.Context, key string, body []byte) Result {
	entity, action, err := domain.ParseRoutingKey(key)
	if err != nil {
		return r.drop(Result{}, err)
	}
	return r.Apply(ctx, string(entity), string(action), body)
}

// ApplyEvent applies a decoded event.
func (r *Reconciler) ApplyEvent(ctx context.Context, ev domain.ChangeEvent) Result {
	ctx, span := r.tracer.Start(ctx, "replica.apply", trace.WithAttributes(
		attribute.String("officesync.replica", r.name),
		attribute.String("officesync.entity", string(ev.Entity)),
		attribute.String("officesync.action", string(ev.Action)),
		attribute.Int64("officesync.id", ev.ID),
	))
	defer span.End()

	res := Result{Entity: ev.Entity, Action: ev.Action, ID: ev.ID}
	if err := validate(ev); err != nil {
		res = r.drop(res, err)
		r.endSpan(span, res)
		return res
	}

	err := r.store.Update(ctx, func(inner Tx) error {
		tx := newTrackingTx(inner)
		var err error
		switch {
		case ev.Action == domain.ActionDelete:
			res.Outcome, err = deleteEntity(ctx, tx, ev.Entity, ev.ID)
		case ev.Entity == domain.EntityEmployee:
			res.Outcome, res.PreviousID, err = upsertEmployee(ctx, tx, *ev.Employee)
		default:
			res.Outcome, err = upsertDepartment(ctx, tx, *ev.Department)
		}
		res.Touched = tx.others(RowRef{Entity: ev.Entity, ID: ev.ID})
		return err
	})
	if err != nil {
		res.Touched = nil
	}
	switch {
	case errors.Is(err, domain.ErrDeleted):
		res.Outcome = OutcomeIgnored
		r.logger.WithFields(r.fields(res)).Warn("event for deleted entity ignored")
	case err != nil:
		res.PreviousID = 0
		res = r.drop(res, err)
	case res.Outcome == OutcomeMerged:
		r.logger.WithFields(r.fields(res)).Info("stale id merged into canonical id")
	default:
		r.logger.WithFields(r.fields(res)).Debug("event applied")
	}
	r.endSpan(span, res)
	return res
}

func validate(ev domain.ChangeEvent) error {
	if ev.ID <= 0 {
		return fmt.Errorf("%w: missing id", domain.ErrMalformedPayload)
	}
	if ev.Action == domain.ActionDelete {
		return nil
	}
	switch ev.Entity {
	case domain.EntityEmployee:
		if ev.Employee == nil || ev.Employee.ID != ev.ID {
			return fmt.Errorf("%w: employee state does not match id %d", domain.ErrMalformedPayload, ev.ID)
		}
	case domain.EntityDepartment:
		if ev.Department == nil || ev.Department.ID != ev.ID {
			return fmt.Errorf("%w: department state does not match id %d", domain.ErrMalformedPayload, ev.ID)
		}
	default:
		return fmt.Errorf("%w: %q", domain.ErrUnknownEntity, ev.Entity)
	}
	return nil
}

func (r *Reconciler) drop(res Result, err error) Result {
	res.Outcome = OutcomeDropped
	res.Err = err
	r.logger.WithFields(r.fields(res)).WithError(err).Error("message dropped")
	return res
}

func (r *Reconciler) fields(res Result) log.Fields {
	f := log.Fields{
		"replica": r.name,
		"entity":  res.Entity,
		"action":  res.Action,
		"id":      res.ID,
		"outcome": res.Outcome,
	}
	if res.PreviousID != 0 {
		f["old_id"] = res.PreviousID
	}
	return f
}

func (r *Reconciler) endSpan(span trace.Span, res Result) {
	span.SetAttributes(attribute.String("officesync.result", string(res.Outcome)))
	if res.PreviousID != 0 {
		span.SetAttributes(attribute.Int64("officesync.previous_id", res.PreviousID))
	}
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
}

func upsertEmployee(ctx context.Context, tx Tx, e domain.Employee) (Outcome, int64, error) {
	deleted, err := tx.IsDeleted(ctx, domain.EntityEmployee, e.ID)
	if err != nil {
		return "", 0, err
	}
	if deleted {
		return "", 0, domain.ErrDeleted
	}
	if e.DepartmentID != nil {
		gone, err := tx.IsDeleted(ctx, domain.EntityDepartment, *e.DepartmentID)
		if err != nil {
			return "", 0, err
		}
		if gone {
			e.DepartmentID = nil
		}
	}
	existing, err := tx.GetEmployee(ctx, e.ID)
	if err != nil {
		return "", 0, err
	}
	outcome := OutcomeInserted
	if existing != nil {
		outcome = OutcomeUpdated
	}

	var previous int64
	if key := e.NaturalKey(); key.Valid() {
		holder, err := tx.FindByNaturalKey(ctx, key)
		if err != nil {
			return "", 0, err
		}
		if holder != nil && holder.ID != e.ID {
			if err := transferReferences(ctx, tx, holder.ID, e.ID); err != nil {
				return "", 0, fmt.Errorf("transfer references %d -> %d: %w", holder.ID, e.ID, err)
			}
			if err := tx.Delete(ctx, domain.EntityEmployee, holder.ID); err != nil {
				return "", 0, fmt.Errorf("delete stale row %d: %w", holder.ID, err)
			}
			previous = holder.ID
			outcome = OutcomeMerged
		}
	}

	if err := tx.UpsertEmployee(ctx, e); err != nil {
		return "", 0, err
	}
	if _, err := linkManager(ctx, tx, e); err != nil {
		return "", 0, err
	}
	return outcome, previous, nil
}

func upsertDepartment(ctx context.Context, tx Tx, d domain.Department) (Outcome, error) {
	deleted, err := tx.IsDeleted(ctx, domain.EntityDepartment, d.ID)
	if err != nil {
		return "", err
	}
	if deleted {
		return "", domain.ErrDeleted
	}
	if err := clearDeletedEmployees(ctx, tx, &d); err != nil {
		return "", err
	}
	existing, err := tx.GetDepartment(ctx, d.ID)
	if err != nil {
		return "", err
	}
	outcome := OutcomeUpdated
	if existing == nil {
		outcome = OutcomeInserted
		if _, err := adoptManager(ctx, tx, &d); err != nil {
			return "", err
		}
	}
	if err := tx.UpsertDepartment(ctx, d); err != nil {
		return "", err
	}
	return outcome, nil
}

// clearDeletedEmployees nulls the manager and drops the members of d that
// name tombstoned employees, the same way deleting them would have.
func clearDeletedEmployees(ctx context.Context, tx Tx, d *domain.Department) error {
	if d.ManagerID != nil {
		gone, err := tx.IsDeleted(ctx, domain.EntityEmployee, *d.ManagerID)
		if err != nil {
			return err
		}
		if gone {
			d.ManagerID = nil
		}
	}
	if len(d.MemberIDs) == 0 {
		return nil
	}
	kept := make([]int64, 0, len(d.MemberIDs))
	for _, id := range d.MemberIDs {
		gone, err := tx.IsDeleted(ctx, domain.EntityEmployee, id)
		if err != nil {
			return err
		}
		if !gone {
			kept = append(kept, id)
		}
	}
	d.MemberIDs = kept
	return nil
}

// transferReferences rewrites every soft reference to oldID so it points at
// newID.
func transferReferences(ctx context.Context, tx Tx, oldID, newID int64) error {
	refs, err := tx.FindReferencing(ctx, domain.EntityEmployee, oldID)
	if err != nil {
		return err
	}
	for _, d := range refs.Departments {
		if domain.RefEquals(d.ManagerID, oldID) {
			d.ManagerID = domain.Ref(newID)
		}
		d.MemberIDs = replaceMember(d.MemberIDs, oldID, newID)
		if err := tx.UpsertDepartment(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// deleteEntity removes a row and clears every soft reference to it. Deleted
// references are always nulled, never left dangling.
func deleteEntity(ctx context.Context, tx Tx, kind domain.EntityType, id int64) (Outcome, error) {
	var present bool
	switch kind {
	case domain.EntityEmployee:
		e, err := tx.GetEmployee(ctx, id)
		if err != nil {
			return "", err
		}
		present = e != nil
	case domain.EntityDepartment:
		d, err := tx.GetDepartment(ctx, id)
		if err != nil {
			return "", err
		}
		present = d != nil
	default:
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownEntity, kind)
	}

	refs, err := tx.FindReferencing(ctx, kind, id)
	if err != nil {
		return "", err
	}
	for _, d := range refs.Departments {
		if domain.RefEquals(d.ManagerID, id) {
			d.ManagerID = nil
		}
		d.MemberIDs = removeMember(d.MemberIDs, id)
		if err := tx.UpsertDepartment(ctx, d); err != nil {
			return "", err
		}
	}
	for _, e := range refs.Employees {
		if domain.RefEquals(e.DepartmentID, id) {
			e.DepartmentID = nil
		}
		if err := tx.UpsertEmployee(ctx, e); err != nil {
			return "", err
		}
	}

	if present {
		if err := tx.Delete(ctx, kind, id); err != nil {
			return "", err
		}
	}
	if err := tx.MarkDeleted(ctx, kind, id); err != nil {
		return "", err
	}
	if present {
		return OutcomeDeleted, nil
	}
	return OutcomeNoop, nil
}

func replaceMember(ids []int64, oldID, newID int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := false
	for _, id := range ids {
		if id == oldID {
			id = newID
		}
		if id == newID {
			if seen {
				continue
			}
			seen = true
		}
		out = append(out, id)
	}
	return out
}

func removeMember(ids []int64, target int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
