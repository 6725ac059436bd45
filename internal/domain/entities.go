package domain

import "strings"

// Role is the business role of an employee.
type Role string

const (
	RoleStaff        Role = "STAFF"
	RoleManager      Role = "MANAGER"
	RoleCompanyAdmin Role = "COMPANY_ADMIN"
)

// IsManagerial reports whether an employee holding the role heads the
// department it names.
func (r Role) IsManagerial() bool {
	return Role(strings.ToUpper(string(r))) == RoleManager
}

// Employee is the replicated person record. Email is its natural key within
// a company.
type Employee struct {
	ID           int64  `json:"id"`
	CompanyID    int64  `json:"companyId,omitempty"`
	Email        string `json:"email,omitempty"`
	FullName     string `json:"fullName,omitempty"`
	Role         Role   `json:"role,omitempty"`
	Status       string `json:"status,omitempty"`
	Phone        string `json:"phone,omitempty"`
	EmployeeCode string `json:"employeeCode,omitempty"`
	DepartmentID *int64 `json:"departmentId,omitempty"`
}

// NaturalKey returns the lookup key used to detect identifier drift.
func (e Employee) NaturalKey() NaturalKey {
	return NaturalKey{CompanyID: e.CompanyID, Email: NormalizeEmail(e.Email)}
}

// Department is the replicated department record. ManagerID and MemberIDs are
// soft references that may point at employees not yet present.
type Department struct {
	ID        int64   `json:"id"`
	CompanyID int64   `json:"companyId,omitempty"`
	Name      string  `json:"name,omitempty"`
	Code      string  `json:"code,omitempty"`
	ManagerID *int64  `json:"managerId,omitempty"`
	MemberIDs []int64 `json:"memberIds,omitempty"`
}

// Clone returns a deep copy.
func (d Department) Clone() Department {
	out := d
	if d.ManagerID != nil {
		out.ManagerID = Ref(*d.ManagerID)
	}
	if d.MemberIDs != nil {
		out.MemberIDs = append([]int64(nil), d.MemberIDs...)
	}
	return out
}

// Clone returns a deep copy.
func (e Employee) Clone() Employee {
	out := e
	if e.DepartmentID != nil {
		out.DepartmentID = Ref(*e.DepartmentID)
	}
	return out
}

// NaturalKey identifies an employee independent of its canonical id.
type NaturalKey struct {
	CompanyID int64
	Email     string
}

// Valid reports whether the key can be used for lookups.
func (k NaturalKey) Valid() bool { return k.Email != "" }

// NormalizeEmail folds an email into its natural-key form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Ref returns a pointer to id, for soft reference fields.
func Ref(id int64) *int64 { return &id }

// RefEquals reports whether the soft reference points at id.
func RefEquals(ref *int64, id int64) bool { return ref != nil && *ref == id }
