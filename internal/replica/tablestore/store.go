// Package tablestore keeps a replica in one partition of an Azure table.
// A replica update is staged in memory and committed as a single entity
// group transaction, so it lands entirely or not at all.
//
// A View reads with separate calls. It waits for updates running through
// the same Store, but another process writing the same partition can
// commit between two of its reads, so the view may then mix rows from
// before and after that commit. Each replica partition assumes one writer.
package tablestore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"github.com/mailiemtruc/officesync-sub000/internal/domain"
	"github.com/mailiemtruc/officesync-sub000/internal/replica"
)

// MaxActions is the service limit on operations in one entity group
// transaction.
const MaxActions = 100

// ErrTooManyActions is returned when one replica update would exceed
// MaxActions.
var ErrTooManyActions = errors.New("tablestore: transaction exceeds entity group limit")

// tableClient is the subset of *aztables.Client the store uses.
type tableClient interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	NewListEntitiesPager(options *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	SubmitTransaction(ctx context.Context, actions []aztables.TransactionAction, options *aztables.SubmitTransactionOptions) (aztables.TransactionResponse, error)
}

// Store implements replica.Store on Azure Table Storage.
type Store struct {
	client    tableClient
	partition string
	now       func() time.Time

	// One writer per replica; entity group transactions give atomicity but
	// not isolation between concurrent read-modify-write cycles.
	mu sync.RWMutex
}

var _ replica.Store = (*Store)(nil)

// New creates a store over the named table. The replica name is used as the
// partition key.
func New(connStr, table, replicaName string) (*Store, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return newStore(svc.NewClient(table), replicaName), nil
}

func newStore(client tableClient, partition string) *Store {
	return &Store{client: client, partition: partition, now: time.Now}
}

// Update stages fn's writes and submits them as one transaction.
func (s *Store) Update(ctx context.Context, fn func(tx replica.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.newTx()
	if err := fn(t); err != nil {
		return err
	}
	return t.commit(ctx)
}

// View runs fn against the table without staging, never concurrently with
// an Update of this Store.
func (s *Store) View(ctx context.Context, fn func(r replica.Reader) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.newTx())
}

func (s *Store) newTx() *tx {
	return &tx{s: s, staged: map[string]*stagedEntity{}, remote: map[string]bool{}}
}

type stagedEntity struct {
	value   []byte
	deleted bool
}

type tx struct {
	s      *Store
	staged map[string]*stagedEntity
	order  []string
	// remote records whether a row key exists in the table, for keys
	// already fetched.
	remote map[string]bool
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func (t *tx) fetch(ctx context.Context, rk string) ([]byte, error) {
	resp, err := t.s.client.GetEntity(ctx, t.s.partition, rk, nil)
	if err != nil {
		if isNotFound(err) {
			t.remote[rk] = false
			return nil, nil
		}
		return nil, fmt.Errorf("tablestore: get %s: %w", rk, err)
	}
	t.remote[rk] = true
	return resp.Value, nil
}

func (t *tx) get(ctx context.Context, rk string) ([]byte, error) {
	if st, ok := t.staged[rk]; ok {
		if st.deleted {
			return nil, nil
		}
		return st.value, nil
	}
	return t.fetch(ctx, rk)
}

func (t *tx) stage(rk string) *stagedEntity {
	st, ok := t.staged[rk]
	if !ok {
		st = &stagedEntity{}
		t.staged[rk] = st
		t.order = append(t.order, rk)
	}
	return st
}

func (t *tx) put(rk string, value []byte) {
	st := t.stage(rk)
	st.value = value
	st.deleted = false
}

func (t *tx) remove(ctx context.Context, rk string) error {
	if _, known := t.remote[rk]; !known {
		if _, err := t.fetch(ctx, rk); err != nil {
			return err
		}
	}
	st := t.stage(rk)
	st.value = nil
	st.deleted = true
	return nil
}

// list returns every row under prefix with staged writes applied.
func (t *tx) list(ctx context.Context, prefix string) ([][]byte, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s' and RowKey ge '%s' and RowKey lt '%s'",
		t.s.partition, prefix, prefixEnd(prefix))
	pager := t.s.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	rows := map[string][]byte{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("tablestore: list %s: %w", prefix, err)
		}
		for _, raw := range resp.Entities {
			var keys entityKeys
			if err := sonic.Unmarshal(raw, &keys); err != nil {
				return nil, err
			}
			if keys.PartitionKey != t.s.partition || !strings.HasPrefix(keys.RowKey, prefix) {
				continue
			}
			rows[keys.RowKey] = raw
		}
	}
	for rk, st := range t.staged {
		if !strings.HasPrefix(rk, prefix) {
			continue
		}
		if st.deleted {
			delete(rows, rk)
		} else {
			rows[rk] = st.value
		}
	}
	out := make([][]byte, 0, len(rows))
	for _, raw := range rows {
		out = append(out, raw)
	}
	return out, nil
}

// prefixEnd is the smallest key greater than every key starting with prefix.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	b[len(b)-1]++
	return string(b)
}

func (t *tx) commit(ctx context.Context) error {
	actions := make([]aztables.TransactionAction, 0, len(t.order))
	for _, rk := range t.order {
		st := t.staged[rk]
		if st.deleted {
			if !t.remote[rk] {
				continue
			}
			ent, err := sonic.Marshal(entityKeys{PartitionKey: t.s.partition, RowKey: rk})
			if err != nil {
				return err
			}
			etag := azcore.ETagAny
			actions = append(actions, aztables.TransactionAction{
				ActionType: aztables.TransactionTypeDelete,
				Entity:     ent,
				IfMatch:    &etag,
			})
			continue
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeInsertReplace,
			Entity:     st.value,
		})
	}
	if len(actions) == 0 {
		return nil
	}
	if len(actions) > MaxActions {
		return fmt.Errorf("%w: %d actions", ErrTooManyActions, len(actions))
	}
	if _, err := t.s.client.SubmitTransaction(ctx, actions, nil); err != nil {
		return fmt.Errorf("tablestore: submit transaction: %w", err)
	}
	return nil
}

func (t *tx) GetEmployee(ctx context.Context, id int64) (*domain.Employee, error) {
	raw, err := t.get(ctx, employeeRowKey(id))
	if err != nil || raw == nil {
		return nil, err
	}
	e, err := decodeEmployee(raw)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *tx) GetDepartment(ctx context.Context, id int64) (*domain.Department, error) {
	raw, err := t.get(ctx, departmentRowKey(id))
	if err != nil || raw == nil {
		return nil, err
	}
	d, err := decodeDepartment(raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (t *tx) FindByNaturalKey(ctx context.Context, key domain.NaturalKey) (*domain.Employee, error) {
	if !key.Valid() {
		return nil, nil
	}
	raw, err := t.get(ctx, emailRowKey(key))
	if err != nil || raw == nil {
		return nil, err
	}
	var idx emailIndexEntity
	if err := sonic.Unmarshal(raw, &idx); err != nil {
		return nil, err
	}
	id, err := parseID(idx.EmployeeID)
	if err != nil {
		return nil, err
	}
	return t.GetEmployee(ctx, id)
}

func (t *tx) FindReferencing(ctx context.Context, kind domain.EntityType, id int64) (replica.Referencing, error) {
	var refs replica.Referencing
	switch kind {
	case domain.EntityEmployee:
		depts, err := t.ListDepartments(ctx)
		if err != nil {
			return refs, err
		}
		for _, d := range depts {
			if domain.RefEquals(d.ManagerID, id) || containsID(d.MemberIDs, id) {
				refs.Departments = append(refs.Departments, d)
			}
		}
	case domain.EntityDepartment:
		emps, err := t.ListEmployees(ctx)
		if err != nil {
			return refs, err
		}
		for _, e := range emps {
			if domain.RefEquals(e.DepartmentID, id) {
				refs.Employees = append(refs.Employees, e)
			}
		}
	default:
		return refs, domain.ErrUnknownEntity
	}
	return refs, nil
}

func (t *tx) IsDeleted(ctx context.Context, kind domain.EntityType, id int64) (bool, error) {
	raw, err := t.get(ctx, tombstoneRowKey(kind, id))
	return raw != nil, err
}

func (t *tx) ListEmployees(ctx context.Context) ([]domain.Employee, error) {
	rows, err := t.list(ctx, employeePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Employee, 0, len(rows))
	for _, raw := range rows {
		e, err := decodeEmployee(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) ListDepartments(ctx context.Context) ([]domain.Department, error) {
	rows, err := t.list(ctx, departmentPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Department, 0, len(rows))
	for _, raw := range rows {
		d, err := decodeDepartment(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) UpsertEmployee(ctx context.Context, e domain.Employee) error {
	key := e.NaturalKey()
	if key.Valid() {
		holder, err := t.FindByNaturalKey(ctx, key)
		if err != nil {
			return err
		}
		if holder != nil && holder.ID != e.ID {
			return domain.ErrNaturalKeyConflict
		}
	}
	prev, err := t.GetEmployee(ctx, e.ID)
	if err != nil {
		return err
	}
	if prev != nil {
		if pk := prev.NaturalKey(); pk.Valid() && pk != key {
			if err := t.remove(ctx, emailRowKey(pk)); err != nil {
				return err
			}
		}
	}
	if key.Valid() {
		idx, err := sonic.Marshal(emailIndexEntity{
			entityKeys: entityKeys{PartitionKey: t.s.partition, RowKey: emailRowKey(key)},
			EmployeeID: fmt.Sprintf("%d", e.ID),
		})
		if err != nil {
			return err
		}
		t.put(emailRowKey(key), idx)
	}
	raw, err := encodeEmployee(t.s.partition, e)
	if err != nil {
		return err
	}
	t.put(employeeRowKey(e.ID), raw)
	return nil
}

func (t *tx) UpsertDepartment(_ context.Context, d domain.Department) error {
	raw, err := encodeDepartment(t.s.partition, d)
	if err != nil {
		return err
	}
	t.put(departmentRowKey(d.ID), raw)
	return nil
}

func (t *tx) Delete(ctx context.Context, kind domain.EntityType, id int64) error {
	switch kind {
	case domain.EntityEmployee:
		prev, err := t.GetEmployee(ctx, id)
		if err != nil || prev == nil {
			return err
		}
		if key := prev.NaturalKey(); key.Valid() {
			holder, err := t.FindByNaturalKey(ctx, key)
			if err != nil {
				return err
			}
			if holder != nil && holder.ID == id {
				if err := t.remove(ctx, emailRowKey(key)); err != nil {
					return err
				}
			}
		}
		return t.remove(ctx, employeeRowKey(id))
	case domain.EntityDepartment:
		return t.remove(ctx, departmentRowKey(id))
	}
	return domain.ErrUnknownEntity
}

func (t *tx) MarkDeleted(_ context.Context, kind domain.EntityType, id int64) error {
	raw, err := sonic.Marshal(tombstoneEntity{
		entityKeys: entityKeys{PartitionKey: t.s.partition, RowKey: tombstoneRowKey(kind, id)},
		Kind:       string(kind),
		DeletedAt:  t.s.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	t.put(tombstoneRowKey(kind, id), raw)
	return nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
