package tablestore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	log "github.com/sirupsen/logrus"

	"github.com/mailiemtruc/officesync-sub000/internal/domain"
	"github.com/mailiemtruc/officesync-sub000/internal/replica"
	"github.com/mailiemtruc/officesync-sub000/internal/replica/replicatest"
)

// fakeTable is an in-memory table honouring entity group semantics: a
// transaction applies fully or not at all.
type fakeTable struct {
	mu       sync.Mutex
	rows     map[string][]byte
	pageSize int
	submits  [][]aztables.TransactionAction
	failNext error

	// when gate is set, submits announce themselves on submitting and wait
	// for gate to close
	gate       chan struct{}
	submitting chan struct{}
}

func newFakeTable() *fakeTable {
	return &fakeTable{rows: map[string][]byte{}, pageSize: 2}
}

func rowID(pk, rk string) string { return pk + "|" + rk }

func notFound() error {
	return &azcore.ResponseError{StatusCode: http.StatusNotFound, ErrorCode: "ResourceNotFound"}
}

func (f *fakeTable) GetEntity(_ context.Context, pk, rk string, _ *aztables.GetEntityOptions) (aztables.GetEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.rows[rowID(pk, rk)]
	if !ok {
		return aztables.GetEntityResponse{}, notFound()
	}
	return aztables.GetEntityResponse{Value: raw}, nil
}

func (f *fakeTable) NewListEntitiesPager(_ *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse] {
	f.mu.Lock()
	keys := make([]string, 0, len(f.rows))
	for k := range f.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	snapshot := make([][]byte, 0, len(keys))
	for _, k := range keys {
		snapshot = append(snapshot, f.rows[k])
	}
	f.mu.Unlock()

	size := f.pageSize
	return runtime.NewPager(runtime.PagingHandler[aztables.ListEntitiesResponse]{
		More: func(page aztables.ListEntitiesResponse) bool {
			return page.NextRowKey != nil
		},
		Fetcher: func(_ context.Context, page *aztables.ListEntitiesResponse) (aztables.ListEntitiesResponse, error) {
			start := 0
			if page != nil && page.NextRowKey != nil {
				start, _ = strconv.Atoi(*page.NextRowKey)
			}
			end := start + size
			if end > len(snapshot) {
				end = len(snapshot)
			}
			resp := aztables.ListEntitiesResponse{Entities: snapshot[start:end]}
			if end < len(snapshot) {
				next := strconv.Itoa(end)
				resp.NextRowKey = &next
			}
			return resp, nil
		},
	})
}

func (f *fakeTable) SubmitTransaction(_ context.Context, actions []aztables.TransactionAction, _ *aztables.SubmitTransactionOptions) (aztables.TransactionResponse, error) {
	if f.gate != nil {
		select {
		case f.submitting <- struct{}{}:
		default:
		}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, actions)
	if err := f.failNext; err != nil {
		f.failNext = nil
		return aztables.TransactionResponse{}, err
	}
	next := make(map[string][]byte, len(f.rows))
	for k, v := range f.rows {
		next[k] = v
	}
	for _, a := range actions {
		var keys entityKeys
		if err := json.Unmarshal(a.Entity, &keys); err != nil {
			return aztables.TransactionResponse{}, err
		}
		id := rowID(keys.PartitionKey, keys.RowKey)
		switch a.ActionType {
		case aztables.TransactionTypeDelete:
			if _, ok := next[id]; !ok {
				return aztables.TransactionResponse{}, notFound()
			}
			delete(next, id)
		case aztables.TransactionTypeInsertReplace:
			next[id] = a.Entity
		default:
			return aztables.TransactionResponse{}, errors.New("unexpected action " + string(a.ActionType))
		}
	}
	f.rows = next
	return aztables.TransactionResponse{}, nil
}

func quietLogger() *log.Logger {
	l := log.New()
	l.SetLevel(log.PanicLevel)
	return l
}

func TestReconcilerWithTables(t *testing.T) {
	replicatest.Run(t, func(t *testing.T) replica.Store {
		return newStore(newFakeTable(), "hr")
	})
}

func TestFailedSubmitLeavesTableUntouched(t *testing.T) {
	table := newFakeTable()
	st := newStore(table, "hr")
	rec := replica.NewReconciler("hr", st, quietLogger())
	replicatest.MustApply(t, rec, "employee.create", `{"id":1,"email":"a@x.com","role":"STAFF"}`)

	table.failNext = &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}
	res := rec.ApplyRoutingKey(context.Background(), "employee.update", []byte(`{"id":1,"email":"b@x.com","role":"STAFF"}`))
	if res.OK() {
		t.Fatalf("expected failure")
	}
	e := replicatest.Employee(t, st, 1)
	if e == nil || e.Email != "a@x.com" {
		t.Fatalf("expected original row, got %+v", e)
	}
	err := st.View(context.Background(), func(r replica.Reader) error {
		holder, err := r.FindByNaturalKey(context.Background(), domain.NaturalKey{Email: "a@x.com"})
		if err != nil {
			return err
		}
		if holder == nil || holder.ID != 1 {
			t.Fatalf("expected index to still point at 1, got %+v", holder)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestMergeIsOneTransaction(t *testing.T) {
	table := newFakeTable()
	st := newStore(table, "hr")
	rec := replica.NewReconciler("hr", st, quietLogger())
	replicatest.MustApply(t, rec, "employee.create", `{"id":101,"email":"jane@x.com","role":"MANAGER"}`)
	replicatest.MustApply(t, rec, "department.create", `{"id":10,"managerId":101,"memberIds":[101]}`)
	before := len(table.submits)

	res := replicatest.MustApply(t, rec, "employee.create", `{"id":200,"email":"jane@x.com","role":"MANAGER"}`)
	if res.Outcome != replica.OutcomeMerged {
		t.Fatalf("expected merge, got %s", res.Outcome)
	}
	if got := len(table.submits) - before; got != 1 {
		t.Fatalf("expected 1 transaction, got %d", got)
	}
	var deletes int
	for _, a := range table.submits[len(table.submits)-1] {
		if a.ActionType == aztables.TransactionTypeDelete {
			deletes++
		}
	}
	// the stale employee row; its email index entry is replaced in place
	if deletes != 1 {
		t.Fatalf("expected 1 delete action, got %d", deletes)
	}
}

func TestViewWaitsForRunningUpdate(t *testing.T) {
	table := newFakeTable()
	st := newStore(table, "hr")
	rec := replica.NewReconciler("hr", st, quietLogger())
	replicatest.MustApply(t, rec, "employee.create", `{"id":101,"email":"jane@x.com","role":"MANAGER"}`)
	replicatest.MustApply(t, rec, "department.create", `{"id":10,"managerId":101,"memberIds":[101]}`)

	table.gate = make(chan struct{})
	table.submitting = make(chan struct{}, 1)
	applied := make(chan replica.Result, 1)
	go func() {
		applied <- rec.ApplyRoutingKey(context.Background(), "employee.create", []byte(`{"id":200,"email":"jane@x.com"}`))
	}()
	select {
	case <-table.submitting:
	case <-time.After(2 * time.Second):
		t.Fatalf("merge never reached submit")
	}

	type snapshot struct {
		manager *int64
		stale   *domain.Employee
	}
	viewed := make(chan snapshot, 1)
	errs := make(chan error, 1)
	go func() {
		var snap snapshot
		err := st.View(context.Background(), func(r replica.Reader) error {
			d, err := r.GetDepartment(context.Background(), 10)
			if err != nil {
				return err
			}
			snap.manager = d.ManagerID
			snap.stale, err = r.GetEmployee(context.Background(), 101)
			return err
		})
		if err != nil {
			errs <- err
			return
		}
		viewed <- snap
	}()
	select {
	case <-viewed:
		t.Fatalf("view ran while the update was committing")
	case err := <-errs:
		t.Fatalf("view: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(table.gate)
	if res := <-applied; res.Outcome != replica.OutcomeMerged {
		t.Fatalf("expected merge, got %+v", res)
	}
	select {
	case snap := <-viewed:
		if !domain.RefEquals(snap.manager, 200) || snap.stale != nil {
			t.Fatalf("view mixed before and after images: manager=%v stale=%+v", snap.manager, snap.stale)
		}
	case err := <-errs:
		t.Fatalf("view: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("view never ran")
	}
}

func TestDeleteOfUnsavedRowIsNotSubmitted(t *testing.T) {
	table := newFakeTable()
	st := newStore(table, "hr")
	ctx := context.Background()
	err := st.Update(ctx, func(tx replica.Tx) error {
		if err := tx.UpsertDepartment(ctx, domain.Department{ID: 7}); err != nil {
			return err
		}
		return tx.Delete(ctx, domain.EntityDepartment, 7)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(table.submits) != 0 {
		t.Fatalf("expected no transaction, got %d", len(table.submits))
	}
}

func TestTooManyActionsRejected(t *testing.T) {
	table := newFakeTable()
	st := newStore(table, "hr")
	ctx := context.Background()
	err := st.Update(ctx, func(tx replica.Tx) error {
		for i := int64(1); i <= MaxActions+1; i++ {
			if err := tx.UpsertDepartment(ctx, domain.Department{ID: i}); err != nil {
				return err
			}
		}
		return nil
	})
	if !errors.Is(err, ErrTooManyActions) {
		t.Fatalf("expected ErrTooManyActions, got %v", err)
	}
	if len(table.submits) != 0 {
		t.Fatalf("nothing should be submitted")
	}
}

func TestPartitionsAreIsolated(t *testing.T) {
	table := newFakeTable()
	a := newStore(table, "hr")
	b := newStore(table, "attendance")
	replicatest.MustApply(t, replica.NewReconciler("hr", a, quietLogger()), "employee.create", `{"id":1,"email":"a@x.com"}`)
	if n := len(replicatest.Employees(t, b)); n != 0 {
		t.Fatalf("expected empty partition, got %d rows", n)
	}
	if n := len(replicatest.Employees(t, a)); n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
}

func TestDepartmentEntityRoundTrip(t *testing.T) {
	raw, err := encodeDepartment("hr", domain.Department{ID: 3, CompanyID: 9, Name: "R&D", ManagerID: domain.Ref(4), MemberIDs: []int64{4, 5}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d, err := decodeDepartment(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.ID != 3 || d.CompanyID != 9 || !domain.RefEquals(d.ManagerID, 4) || len(d.MemberIDs) != 2 {
		t.Fatalf("unexpected department %+v", d)
	}
	if emailRowKey(domain.NaturalKey{CompanyID: 1, Email: "a/b?c#d@x.com"}) == "" {
		t.Fatalf("empty row key")
	}
}
