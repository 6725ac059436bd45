package domain

import (
	"errors"
	"testing"
)

func TestParseRoutingKey(t *testing.T) {
	tests := []struct {
		key        string
		wantEntity EntityType
		wantAction Action
		wantErr    error
	}{
		{key: "employee.create", wantEntity: EntityEmployee, wantAction: ActionCreate},
		{key: "DEPARTMENT.UPDATE", wantEntity: EntityDepartment, wantAction: ActionUpdate},
		{key: "employee.delete", wantEntity: EntityEmployee, wantAction: ActionDelete},
		{key: "employee", wantErr: ErrMalformedPayload},
		{key: "employee.create.extra", wantErr: ErrMalformedPayload},
		{key: "leave.create", wantErr: ErrUnknownEntity},
		{key: "employee.archive", wantErr: ErrUnknownAction},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			entity, action, err := ParseRoutingKey(tt.key)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if entity != tt.wantEntity || action != tt.wantAction {
				t.Fatalf("got %s/%s, want %s/%s", entity, action, tt.wantEntity, tt.wantAction)
			}
		})
	}
}

func TestNaturalKeyNormalizesEmail(t *testing.T) {
	a := Employee{ID: 1, CompanyID: 4, Email: "  A@X.com "}
	b := Employee{ID: 2, CompanyID: 4, Email: "a@x.com"}
	if a.NaturalKey() != b.NaturalKey() {
		t.Fatalf("expected equal keys, got %+v and %+v", a.NaturalKey(), b.NaturalKey())
	}
	if (Employee{ID: 3}).NaturalKey().Valid() {
		t.Fatalf("empty email must not form a valid key")
	}
}

func TestDepartmentCloneDoesNotAlias(t *testing.T) {
	d := Department{ID: 10, ManagerID: Ref(55), MemberIDs: []int64{55, 56}}
	c := d.Clone()
	*c.ManagerID = 99
	c.MemberIDs[0] = 99
	if *d.ManagerID != 55 || d.MemberIDs[0] != 55 {
		t.Fatalf("clone aliased original: %+v", d)
	}
}

func TestRoleIsManagerial(t *testing.T) {
	if !Role("manager").IsManagerial() || !RoleManager.IsManagerial() {
		t.Fatalf("manager role must be managerial")
	}
	if RoleStaff.IsManagerial() {
		t.Fatalf("staff role must not be managerial")
	}
}
