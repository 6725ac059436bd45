// Package replicatest holds the behavioural suite every replica store must
// pass when driven through the reconciler.
package replicatest

import (
	"context"
	"errors"
	"strconv"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/mailiemtruc/officesync-sub000/internal/domain"
	"github.com/mailiemtruc/officesync-sub000/internal/replica"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) replica.Store

// Run executes every scenario against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	scenarios := []struct {
		name string
		fn   func(t *testing.T, rec *replica.Reconciler)
	}{
		{"IdempotentCreate", testIdempotentCreate},
		{"SelfHealingMerge", testSelfHealingMerge},
		{"DeferredLinkDepartmentFirst", testDeferredLinkDepartmentFirst},
		{"DeferredLinkEmployeeFirst", testDeferredLinkEmployeeFirst},
		{"DeferredLinkAdoptsManager", testDeferredLinkAdoptsManager},
		{"DeleteNullsManagerAndMembers", testDeleteNullsManagerAndMembers},
		{"DeleteDepartmentNullsEmployees", testDeleteDepartmentNullsEmployees},
		{"DeleteIsIdempotent", testDeleteIsIdempotent},
		{"DeletedIsTerminal", testDeletedIsTerminal},
		{"LateEventDropsDeletedManager", testLateEventDropsDeletedManager},
		{"LateEventDropsDeletedDepartment", testLateEventDropsDeletedDepartment},
		{"UpdateTakingHeldKeyMerges", testUpdateTakingHeldKeyMerges},
		{"LastAppliedWins", testLastAppliedWins},
		{"EmailChangeReleasesKey", testEmailChangeReleasesKey},
		{"MalformedDropped", testMalformedDropped},
		{"FailedUpdateRollsBack", testFailedUpdateRollsBack},
		{"NaturalKeyConflictRejected", testNaturalKeyConflictRejected},
	}
	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			logger := log.New()
			logger.SetLevel(log.PanicLevel)
			sc.fn(t, replica.NewReconciler("test", newStore(t), logger))
		})
	}
}

// MustApply applies a message and fails the test when it was dropped.
func MustApply(t *testing.T, rec *replica.Reconciler, key, body string) replica.Result {
	t.Helper()
	res := rec.ApplyRoutingKey(context.Background(), key, []byte(body))
	if !res.OK() {
		t.Fatalf("apply %s %s: %v", key, body, res.Err)
	}
	return res
}

// Employees lists the employees currently in the replica.
func Employees(t *testing.T, st replica.Store) []domain.Employee {
	t.Helper()
	var out []domain.Employee
	err := st.View(context.Background(), func(r replica.Reader) error {
		var err error
		out, err = r.ListEmployees(context.Background())
		return err
	})
	if err != nil {
		t.Fatalf("list employees: %v", err)
	}
	return out
}

// Department returns the department row, or nil.
func Department(t *testing.T, st replica.Store, id int64) *domain.Department {
	t.Helper()
	var out *domain.Department
	err := st.View(context.Background(), func(r replica.Reader) error {
		var err error
		out, err = r.GetDepartment(context.Background(), id)
		return err
	})
	if err != nil {
		t.Fatalf("get department %d: %v", id, err)
	}
	return out
}

// Employee returns the employee row, or nil.
func Employee(t *testing.T, st replica.Store, id int64) *domain.Employee {
	t.Helper()
	var out *domain.Employee
	err := st.View(context.Background(), func(r replica.Reader) error {
		var err error
		out, err = r.GetEmployee(context.Background(), id)
		return err
	})
	if err != nil {
		t.Fatalf("get employee %d: %v", id, err)
	}
	return out
}

// StateOf reports the lifecycle state of an entity.
func StateOf(t *testing.T, st replica.Store, kind domain.EntityType, id int64) replica.State {
	t.Helper()
	var out replica.State
	err := st.View(context.Background(), func(r replica.Reader) error {
		var err error
		out, err = replica.StateOf(context.Background(), r, kind, id)
		return err
	})
	if err != nil {
		t.Fatalf("state of %s %d: %v", kind, id, err)
	}
	return out
}

func testIdempotentCreate(t *testing.T, rec *replica.Reconciler) {
	body := `{"id":9001,"email":"b@y.com","fullName":"B","role":"STAFF"}`
	first := MustApply(t, rec, "employee.create", body)
	second := MustApply(t, rec, "employee.create", body)
	if first.Outcome != replica.OutcomeInserted || second.Outcome != replica.OutcomeUpdated {
		t.Fatalf("unexpected outcomes %s, %s", first.Outcome, second.Outcome)
	}
	emps := Employees(t, rec.Store())
	if len(emps) != 1 {
		t.Fatalf("expected one row, got %d", len(emps))
	}
	e := emps[0]
	if e.ID != 9001 || e.FullName != "B" || e.Email != "b@y.com" || e.Role != domain.RoleStaff {
		t.Fatalf("unexpected row %+v", e)
	}
}

func testSelfHealingMerge(t *testing.T, rec *replica.Reconciler) {
	MustApply(t, rec, "employee.create", `{"id":100,"email":"a@x.com","fullName":"A","role":"MANAGER","departmentId":1}`)
	MustApply(t, rec, "department.create", `{"id":1,"name":"Dept1","managerId":100,"memberIds":[100,101]}`)

	res := MustApply(t, rec, "employee.update", `{"id":200,"email":"A@x.com","fullName":"A"}`)
	if res.Outcome != replica.OutcomeMerged || res.PreviousID != 100 {
		t.Fatalf("expected merge from 100, got %+v", res)
	}

	emps := Employees(t, rec.Store())
	if len(emps) != 1 || emps[0].ID != 200 {
		t.Fatalf("expected a single row with id 200, got %+v", emps)
	}
	if Employee(t, rec.Store(), 100) != nil {
		t.Fatalf("row 100 must be gone")
	}
	d := Department(t, rec.Store(), 1)
	if d == nil || !domain.RefEquals(d.ManagerID, 200) {
		t.Fatalf("expected Dept1 manager 200, got %+v", d)
	}
	if len(d.MemberIDs) != 2 || d.MemberIDs[0] != 200 || d.MemberIDs[1] != 101 {
		t.Fatalf("expected members [200 101], got %v", d.MemberIDs)
	}
}

func testDeferredLinkDepartmentFirst(t *testing.T, rec *replica.Reconciler) {
	MustApply(t, rec, "department.create", `{"id":10,"name":"Ops","managerId":55}`)
	d := Department(t, rec.Store(), 10)
	if d == nil || !domain.RefEquals(d.ManagerID, 55) {
		t.Fatalf("expected dangling manager 55, got %+v", d)
	}
	if s := StateOf(t, rec.Store(), domain.EntityEmployee, 55); s != replica.StatePartial {
		t.Fatalf("expected employee 55 PARTIAL, got %s", s)
	}

	MustApply(t, rec, "employee.create", `{"id":55,"email":"m@x.com","role":"MANAGER","departmentId":10}`)
	d = Department(t, rec.Store(), 10)
	if !domain.RefEquals(d.ManagerID, 55) {
		t.Fatalf("expected manager 55, got %v", d.ManagerID)
	}
	if s := StateOf(t, rec.Store(), domain.EntityEmployee, 55); s != replica.StatePresent {
		t.Fatalf("expected employee 55 PRESENT, got %s", s)
	}
}

func testDeferredLinkEmployeeFirst(t *testing.T, rec *replica.Reconciler) {
	MustApply(t, rec, "employee.create", `{"id":55,"email":"m@x.com","role":"MANAGER","departmentId":10}`)
	if s := StateOf(t, rec.Store(), domain.EntityDepartment, 10); s != replica.StatePartial {
		t.Fatalf("expected department 10 PARTIAL, got %s", s)
	}
	MustApply(t, rec, "department.create", `{"id":10,"name":"Ops","managerId":55}`)

	d := Department(t, rec.Store(), 10)
	if d == nil || !domain.RefEquals(d.ManagerID, 55) {
		t.Fatalf("expected manager 55, got %+v", d)
	}
	e := Employee(t, rec.Store(), 55)
	if e == nil || !domain.RefEquals(e.DepartmentID, 10) {
		t.Fatalf("expected employee 55 in department 10, got %+v", e)
	}
}

func testDeferredLinkAdoptsManager(t *testing.T, rec *replica.Reconciler) {
	MustApply(t, rec, "employee.create", `{"id":55,"email":"m@x.com","role":"MANAGER","departmentId":10}`)
	MustApply(t, rec, "department.create", `{"id":10,"name":"Ops"}`)
	d := Department(t, rec.Store(), 10)
	if d == nil || !domain.RefEquals(d.ManagerID, 55) {
		t.Fatalf("expected adopted manager 55, got %+v", d)
	}

	MustApply(t, rec, "department.update", `{"id":10,"name":"Ops"}`)
	d = Department(t, rec.Store(), 10)
	if d.ManagerID != nil {
		t.Fatalf("update naming no manager must clear it, got %v", *d.ManagerID)
	}

	MustApply(t, rec, "employee.update", `{"id":55,"email":"m@x.com","role":"MANAGER","departmentId":10}`)
	d = Department(t, rec.Store(), 10)
	if !domain.RefEquals(d.ManagerID, 55) {
		t.Fatalf("manager event must re-assert link, got %v", d.ManagerID)
	}
}

func testDeleteNullsManagerAndMembers(t *testing.T, rec *replica.Reconciler) {
	MustApply(t, rec, "employee.create", `{"id":55,"email":"m@x.com","role":"MANAGER","departmentId":10}`)
	MustApply(t, rec, "department.create", `{"id":10,"managerId":55,"memberIds":[55,56]}`)
	MustApply(t, rec, "department.create", `{"id":11,"memberIds":[55]}`)

	res := MustApply(t, rec, "employee.delete", `55`)
	if res.Outcome != replica.OutcomeDeleted {
		t.Fatalf("expected deleted, got %s", res.Outcome)
	}
	if Employee(t, rec.Store(), 55) != nil {
		t.Fatalf("employee 55 must be gone")
	}
	d10 := Department(t, rec.Store(), 10)
	if d10.ManagerID != nil {
		t.Fatalf("expected manager nulled, got %v", *d10.ManagerID)
	}
	if len(d10.MemberIDs) != 1 || d10.MemberIDs[0] != 56 {
		t.Fatalf("expected members [56], got %v", d10.MemberIDs)
	}
	if d11 := Department(t, rec.Store(), 11); len(d11.MemberIDs) != 0 {
		t.Fatalf("expected no members, got %v", d11.MemberIDs)
	}
	if s := StateOf(t, rec.Store(), domain.EntityEmployee, 55); s != replica.StateDeleted {
		t.Fatalf("expected DELETED, got %s", s)
	}
}

func testDeleteDepartmentNullsEmployees(t *testing.T, rec *replica.Reconciler) {
	MustApply(t, rec, "department.create", `{"id":10,"name":"Ops"}`)
	MustApply(t, rec, "employee.create", `{"id":1,"email":"a@x.com","departmentId":10}`)
	MustApply(t, rec, "employee.create", `{"id":2,"email":"b@x.com","departmentId":10}`)

	MustApply(t, rec, "department.delete", `{"id":10}`)
	for _, id := range []int64{1, 2} {
		e := Employee(t, rec.Store(), id)
		if e == nil || e.DepartmentID != nil {
			t.Fatalf("expected employee %d with no department, got %+v", id, e)
		}
	}
}

func testDeleteIsIdempotent(t *testing.T, rec *replica.Reconciler) {
	MustApply(t, rec, "department.create", `{"id":10,"managerId":77}`)
	res := MustApply(t, rec, "employee.delete", `"77"`)
	if res.Outcome != replica.OutcomeNoop {
		t.Fatalf("expected noop for absent row, got %s", res.Outcome)
	}
	if d := Department(t, rec.Store(), 10); d.ManagerID != nil {
		t.Fatalf("dangling manager must be nulled on delete, got %v", *d.ManagerID)
	}
	again := MustApply(t, rec, "employee.delete", `77`)
	if again.Outcome != replica.OutcomeNoop {
		t.Fatalf("expected noop on redelivery, got %s", again.Outcome)
	}
}

func testDeletedIsTerminal(t *testing.T, rec *replica.Reconciler) {
	body := `{"id":9,"email":"z@x.com","fullName":"Z"}`
	MustApply(t, rec, "employee.create", body)
	MustApply(t, rec, "employee.delete", `9`)
	res := MustApply(t, rec, "employee.create", body)
	if res.Outcome != replica.OutcomeIgnored {
		t.Fatalf("expected ignored, got %s", res.Outcome)
	}
	if Employee(t, rec.Store(), 9) != nil {
		t.Fatalf("deleted employee must not be resurrected")
	}
}

func testLateEventDropsDeletedManager(t *testing.T, rec *replica.Reconciler) {
	MustApply(t, rec, "employee.create", `{"id":55,"email":"m@x.com","role":"MANAGER"}`)
	MustApply(t, rec, "employee.delete", `55`)

	MustApply(t, rec, "department.create", `{"id":10,"name":"Ops","managerId":55,"memberIds":[55,56]}`)
	d := Department(t, rec.Store(), 10)
	if d == nil || d.ManagerID != nil {
		t.Fatalf("manager naming a deleted employee must be nulled, got %+v", d)
	}
	if len(d.MemberIDs) != 1 || d.MemberIDs[0] != 56 {
		t.Fatalf("expected members [56], got %v", d.MemberIDs)
	}

	res := MustApply(t, rec, "employee.create", `{"id":55,"email":"m@x.com","role":"MANAGER","departmentId":10}`)
	if res.Outcome != replica.OutcomeIgnored {
		t.Fatalf("expected ignored, got %s", res.Outcome)
	}
	if d := Department(t, rec.Store(), 10); d.ManagerID != nil {
		t.Fatalf("deleted employee must not be relinked, got %v", *d.ManagerID)
	}
	if s := StateOf(t, rec.Store(), domain.EntityEmployee, 55); s != replica.StateDeleted {
		t.Fatalf("expected DELETED, got %s", s)
	}
}

func testLateEventDropsDeletedDepartment(t *testing.T, rec *replica.Reconciler) {
	MustApply(t, rec, "department.create", `{"id":10,"name":"Ops"}`)
	MustApply(t, rec, "department.delete", `10`)

	MustApply(t, rec, "employee.create", `{"id":1,"email":"a@x.com","role":"MANAGER","departmentId":10}`)
	e := Employee(t, rec.Store(), 1)
	if e == nil || e.DepartmentID != nil {
		t.Fatalf("department naming a deleted id must be nulled, got %+v", e)
	}
	if Department(t, rec.Store(), 10) != nil {
		t.Fatalf("deleted department must stay gone")
	}
}

// An update moving an existing row onto a key held under another id merges
// the holder away: one row per natural key wins over keeping both.
func testUpdateTakingHeldKeyMerges(t *testing.T, rec *replica.Reconciler) {
	MustApply(t, rec, "employee.create", `{"id":1,"email":"a@x.com"}`)
	MustApply(t, rec, "employee.create", `{"id":2,"email":"b@x.com","role":"MANAGER"}`)
	MustApply(t, rec, "department.create", `{"id":10,"managerId":2,"memberIds":[1,2]}`)

	res := MustApply(t, rec, "employee.update", `{"id":1,"email":"B@x.com"}`)
	if res.Outcome != replica.OutcomeMerged || res.PreviousID != 2 {
		t.Fatalf("expected merge of 2 into 1, got %+v", res)
	}
	emps := Employees(t, rec.Store())
	if len(emps) != 1 || emps[0].ID != 1 || emps[0].Email != "B@x.com" {
		t.Fatalf("expected only row 1, got %+v", emps)
	}
	d := Department(t, rec.Store(), 10)
	if !domain.RefEquals(d.ManagerID, 1) || len(d.MemberIDs) != 1 || d.MemberIDs[0] != 1 {
		t.Fatalf("expected references moved to 1, got %+v", d)
	}
	if s := StateOf(t, rec.Store(), domain.EntityEmployee, 2); s == replica.StateDeleted {
		t.Fatalf("a merged id is not tombstoned")
	}
}

// The redelivered create wins because it was applied last. Convergence
// follows application order, not business time.
func testLastAppliedWins(t *testing.T, rec *replica.Reconciler) {
	create := `{"id":9001,"email":"b@y.com","fullName":"B"}`
	MustApply(t, rec, "employee.create", create)
	MustApply(t, rec, "employee.update", `{"id":9001,"email":"b@y.com","fullName":"B2"}`)
	MustApply(t, rec, "employee.create", create)

	e := Employee(t, rec.Store(), 9001)
	if e == nil || e.FullName != "B" {
		t.Fatalf("expected fullName B, got %+v", e)
	}
}

func testEmailChangeReleasesKey(t *testing.T, rec *replica.Reconciler) {
	MustApply(t, rec, "employee.create", `{"id":1,"email":"old@x.com"}`)
	MustApply(t, rec, "employee.update", `{"id":1,"email":"new@x.com"}`)
	res := MustApply(t, rec, "employee.create", `{"id":2,"email":"old@x.com"}`)
	if res.Outcome != replica.OutcomeInserted {
		t.Fatalf("released key must not trigger a merge, got %s", res.Outcome)
	}
	if len(Employees(t, rec.Store())) != 2 {
		t.Fatalf("expected two rows")
	}
}

func testMalformedDropped(t *testing.T, rec *replica.Reconciler) {
	for i, body := range []string{`{"email":"x"`, `[]`, `{"email":"a@x.com"}`} {
		res := rec.ApplyRoutingKey(context.Background(), "employee.create", []byte(body))
		if res.OK() || res.Outcome != replica.OutcomeDropped || !errors.Is(res.Err, domain.ErrMalformedPayload) {
			t.Fatalf("body %d: expected malformed drop, got %+v", i, res)
		}
	}
	res := rec.ApplyRoutingKey(context.Background(), "leave.create", []byte(`{"id":1}`))
	if !errors.Is(res.Err, domain.ErrUnknownEntity) {
		t.Fatalf("expected unknown entity, got %v", res.Err)
	}
	if len(Employees(t, rec.Store())) != 0 {
		t.Fatalf("dropped messages must not write rows")
	}
}

func testFailedUpdateRollsBack(t *testing.T, rec *replica.Reconciler) {
	boom := errors.New("boom")
	err := rec.Store().Update(context.Background(), func(tx replica.Tx) error {
		for i := int64(1); i <= 3; i++ {
			e := domain.Employee{ID: i, Email: "u" + strconv.FormatInt(i, 10) + "@x.com"}
			if err := tx.UpsertEmployee(context.Background(), e); err != nil {
				return err
			}
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if n := len(Employees(t, rec.Store())); n != 0 {
		t.Fatalf("expected rollback, found %d rows", n)
	}
}

func testNaturalKeyConflictRejected(t *testing.T, rec *replica.Reconciler) {
	ctx := context.Background()
	err := rec.Store().Update(ctx, func(tx replica.Tx) error {
		if err := tx.UpsertEmployee(ctx, domain.Employee{ID: 1, Email: "dup@x.com"}); err != nil {
			return err
		}
		return tx.UpsertEmployee(ctx, domain.Employee{ID: 2, Email: "DUP@x.com"})
	})
	if !errors.Is(err, domain.ErrNaturalKeyConflict) {
		t.Fatalf("expected ErrNaturalKeyConflict, got %v", err)
	}
}
