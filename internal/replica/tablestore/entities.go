package tablestore

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/bytedance/sonic"

	"github.com/mailiemtruc/officesync-sub000/internal/domain"
)

const (
	employeePrefix   = "employee_"
	departmentPrefix = "department_"
	emailPrefix      = "email_"
	tombstonePrefix  = "tombstone_"
)

// entityKeys is the addressing part every table entity carries.
type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

// Ids are stored as strings; Edm.Int64 would need an odata type annotation
// on every property.
type employeeEntity struct {
	entityKeys
	ID            string `json:"ID"`
	CompanyID     string `json:"CompanyID"`
	Email         string `json:"Email"`
	FullName      string `json:"FullName"`
	Role          string `json:"Role"`
	Status        string `json:"Status"`
	Phone         string `json:"Phone"`
	EmployeeCode  string `json:"EmployeeCode"`
	DepartmentRef string `json:"DepartmentRef"`
}

type departmentEntity struct {
	entityKeys
	ID         string `json:"ID"`
	CompanyID  string `json:"CompanyID"`
	Name       string `json:"Name"`
	Code       string `json:"Code"`
	ManagerRef string `json:"ManagerRef"`
	MemberIDs  string `json:"MemberIDs"`
}

type emailIndexEntity struct {
	entityKeys
	EmployeeID string `json:"EmployeeID"`
}

type tombstoneEntity struct {
	entityKeys
	Kind      string `json:"Kind"`
	DeletedAt string `json:"DeletedAt"`
}

func employeeRowKey(id int64) string   { return employeePrefix + strconv.FormatInt(id, 10) }
func departmentRowKey(id int64) string { return departmentPrefix + strconv.FormatInt(id, 10) }

func tombstoneRowKey(kind domain.EntityType, id int64) string {
	return tombstonePrefix + string(kind) + "_" + strconv.FormatInt(id, 10)
}

// emailRowKey encodes the address so characters forbidden in row keys
// ('/', '\\', '#', '?') never reach the service.
func emailRowKey(key domain.NaturalKey) string {
	return emailPrefix + strconv.FormatInt(key.CompanyID, 10) + "_" + base64.RawURLEncoding.EncodeToString([]byte(key.Email))
}

func formatRef(ref *int64) string {
	if ref == nil {
		return ""
	}
	return strconv.FormatInt(*ref, 10)
}

func parseRef(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func parseID(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func encodeEmployee(pk string, e domain.Employee) ([]byte, error) {
	return sonic.Marshal(employeeEntity{
		entityKeys:    entityKeys{PartitionKey: pk, RowKey: employeeRowKey(e.ID)},
		ID:            strconv.FormatInt(e.ID, 10),
		CompanyID:     strconv.FormatInt(e.CompanyID, 10),
		Email:         e.Email,
		FullName:      e.FullName,
		Role:          string(e.Role),
		Status:        e.Status,
		Phone:         e.Phone,
		EmployeeCode:  e.EmployeeCode,
		DepartmentRef: formatRef(e.DepartmentID),
	})
}

func decodeEmployee(data []byte) (domain.Employee, error) {
	var ent employeeEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Employee{}, err
	}
	id, err := parseID(ent.ID)
	if err != nil {
		return domain.Employee{}, fmt.Errorf("employee id %q: %w", ent.ID, err)
	}
	company, err := parseID(ent.CompanyID)
	if err != nil {
		return domain.Employee{}, fmt.Errorf("employee %d company: %w", id, err)
	}
	dept, err := parseRef(ent.DepartmentRef)
	if err != nil {
		return domain.Employee{}, fmt.Errorf("employee %d department: %w", id, err)
	}
	return domain.Employee{
		ID:           id,
		CompanyID:    company,
		Email:        ent.Email,
		FullName:     ent.FullName,
		Role:         domain.Role(ent.Role),
		Status:       ent.Status,
		Phone:        ent.Phone,
		EmployeeCode: ent.EmployeeCode,
		DepartmentID: dept,
	}, nil
}

func encodeDepartment(pk string, d domain.Department) ([]byte, error) {
	members := "[]"
	if len(d.MemberIDs) > 0 {
		raw, err := sonic.Marshal(d.MemberIDs)
		if err != nil {
			return nil, err
		}
		members = string(raw)
	}
	return sonic.Marshal(departmentEntity{
		entityKeys: entityKeys{PartitionKey: pk, RowKey: departmentRowKey(d.ID)},
		ID:         strconv.FormatInt(d.ID, 10),
		CompanyID:  strconv.FormatInt(d.CompanyID, 10),
		Name:       d.Name,
		Code:       d.Code,
		ManagerRef: formatRef(d.ManagerID),
		MemberIDs:  members,
	})
}

func decodeDepartment(data []byte) (domain.Department, error) {
	var ent departmentEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Department{}, err
	}
	id, err := parseID(ent.ID)
	if err != nil {
		return domain.Department{}, fmt.Errorf("department id %q: %w", ent.ID, err)
	}
	company, err := parseID(ent.CompanyID)
	if err != nil {
		return domain.Department{}, fmt.Errorf("department %d company: %w", id, err)
	}
	manager, err := parseRef(ent.ManagerRef)
	if err != nil {
		return domain.Department{}, fmt.Errorf("department %d manager: %w", id, err)
	}
	d := domain.Department{ID: id, CompanyID: company, Name: ent.Name, Code: ent.Code, ManagerID: manager}
	if ent.MemberIDs != "" && ent.MemberIDs != "[]" {
		if err := sonic.UnmarshalString(ent.MemberIDs, &d.MemberIDs); err != nil {
			return domain.Department{}, fmt.Errorf("department %d members: %w", id, err)
		}
	}
	return d, nil
}
