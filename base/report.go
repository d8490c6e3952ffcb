package base

import (
	"fmt"
	"strings"
)

// Report is a snapshot of named numeric attributes of a component, in the order they were set
type Report struct {
	Name   string
	fields []ReportField
}

// ReportField is one named value in a Report
type ReportField struct {
	Name  string
	Value int64
}

// NewReport creates an empty report for the named component
func NewReport(name string) Report {
	return Report{
		Name:   name,
		fields: make([]ReportField, 0, 10),
	}
}

// SetLong sets or replaces an attribute
func (report *Report) SetLong(name string, value int64) {
	for i := range report.fields {
		if report.fields[i].Name == name {
			report.fields[i].Value = value
			return
		}
	}
	report.fields = append(report.fields, ReportField{Name: name, Value: value})
}

// Get returns the value of an attribute
func (report Report) Get(name string) (int64, bool) {
	for _, f := range report.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return 0, false
}

// Fields returns all attributes in order
func (report Report) Fields() []ReportField {
	return append([]ReportField(nil), report.fields...)
}

func (report Report) String() string {
	parts := make([]string, len(report.fields))
	for i, f := range report.fields {
		parts[i] = fmt.Sprintf("%s=%d", f.Name, f.Value)
	}
	return fmt.Sprintf("[%s] %s", report.Name, strings.Join(parts, " "))
}
