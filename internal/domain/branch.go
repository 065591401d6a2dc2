package domain

import (
	"strings"
	"time"
	_ "time/tzdata"
)

// BranchInfo is the capability the ledger needs from the geography module.
type BranchInfo interface {
	Timezone() string
	DisplayName() string
	ManagerContact() ManagerContact
}

type ManagerContact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

type Branch struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	City         string `json:"city"`
	TimezoneName string `json:"timezone"`
	ManagerName  string `json:"manager_name"`
	ManagerEmail string `json:"manager_email"`
	ManagerPhone string `json:"manager_phone"`
	Active       bool   `json:"active"`
}

func (b Branch) Timezone() string {
	if strings.TrimSpace(b.TimezoneName) == "" {
		return "UTC"
	}
	return b.TimezoneName
}

func (b Branch) DisplayName() string {
	return b.Name
}

func (b Branch) ManagerContact() ManagerContact {
	return ManagerContact{Name: b.ManagerName, Email: b.ManagerEmail, Phone: b.ManagerPhone}
}

// LocalDate returns the calendar date of at in the branch's timezone. An
// unknown zone falls back to UTC.
func LocalDate(info BranchInfo, at time.Time) time.Time {
	loc, err := time.LoadLocation(info.Timezone())
	if err != nil {
		loc = time.UTC
	}
	local := at.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

func Snapshot(info BranchInfo, city string) BranchSnapshot {
	contact := info.ManagerContact()
	return BranchSnapshot{
		BranchName:         info.DisplayName(),
		BranchCity:         city,
		BranchManagerName:  contact.Name,
		BranchManagerEmail: contact.Email,
	}
}
