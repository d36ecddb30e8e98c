// Package integrity validates and aggregates per-platform result sets
// once a job goes terminal: per-record analysis against the registry
// field contracts, quality metrics, a battery of checks and one of six
// aggregation strategies. The outcome is an immutable IntegrityReport
// persisted in the job store.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jobriver/jobriver/core"
	"github.com/jobriver/jobriver/registry"
)

// dateLayouts are tried in order when parsing date_posted.
var dateLayouts = []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"}

// recordAnalysis is the per-record outcome of the field-contract pass.
type recordAnalysis struct {
	record core.JobRecord

	// signature groups duplicates across platforms
	signature string

	// coverage is filled required fields / required fields
	coverage float64

	// validity is type-conforming fields / contracted fields
	validity float64

	// conformance is present-and-typed contracted fields / contracted
	conformance float64

	// quality is the per-record score used as the dedup tiebreaker
	quality float64

	fullyValid bool
	postedAt   *time.Time
}

// signatureOf is the duplicate-detection key: lowercased,
// whitespace-normalized title|company|location, hashed.
func signatureOf(r *core.JobRecord) string {
	normalize := func(s string) string {
		return strings.Join(strings.Fields(strings.ToLower(s)), " ")
	}
	key := normalize(r.Title) + "|" + normalize(r.Company) + "|" + normalize(r.Location)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// fieldValue maps a contract field name to the record value.
func fieldValue(r *core.JobRecord, name string) string {
	switch name {
	case "title":
		return r.Title
	case "company":
		return r.Company
	case "location":
		return r.Location
	case "date_posted":
		return r.DatePosted
	case "description":
		return r.Description
	case "salary":
		return r.Salary
	case "job_url":
		return r.JobURL
	}
	return ""
}

func parseDate(value string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// validField checks a present value against its contract type.
func validField(contract registry.FieldContract, value string) bool {
	switch contract.Type {
	case "date":
		_, ok := parseDate(value)
		return ok
	case "url":
		u, err := url.Parse(value)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		return contract.URLPrefix == "" || strings.HasPrefix(value, contract.URLPrefix)
	case "number":
		_, err := strconv.ParseFloat(value, 64)
		return err == nil
	default:
		return strings.TrimSpace(value) != ""
	}
}

// analyzeRecord scores one record against the platform's field contracts.
func analyzeRecord(record core.JobRecord, fields []registry.FieldContract) recordAnalysis {
	a := recordAnalysis{
		record:    record,
		signature: signatureOf(&record),
	}

	var requiredTotal, requiredFilled int
	var contracted, typed, conforming int

	for _, contract := range fields {
		value := fieldValue(&record, contract.Name)
		present := strings.TrimSpace(value) != ""

		if contract.Required {
			requiredTotal++
			if present {
				requiredFilled++
			}
		}

		contracted++
		if !present {
			if !contract.Required {
				// Optional absent fields neither help nor hurt typing
				typed++
				conforming++
			}
			continue
		}
		if validField(contract, value) {
			typed++
			conforming++
		}
	}

	if requiredTotal > 0 {
		a.coverage = float64(requiredFilled) / float64(requiredTotal)
	} else {
		a.coverage = 1
	}
	if contracted > 0 {
		a.validity = float64(typed) / float64(contracted)
		a.conformance = float64(conforming) / float64(contracted)
	} else {
		a.validity = 1
		a.conformance = 1
	}
	a.fullyValid = a.coverage == 1 && a.validity == 1
	a.quality = (a.coverage + a.validity) / 2

	if record.DatePosted != "" {
		if t, ok := parseDate(record.DatePosted); ok {
			a.postedAt = &t
		}
	}
	return a
}

// platformAnalysis is the analyzed result set of one platform.
type platformAnalysis struct {
	platform core.Platform
	records  []recordAnalysis

	// signatures counts occurrences per signature inside the platform
	signatures map[string]int

	fieldCoverage map[string]float64
}

func analyzePlatform(platform core.Platform, records []core.JobRecord, spec *registry.PlatformSpec) *platformAnalysis {
	pa := &platformAnalysis{
		platform:      platform,
		signatures:    make(map[string]int),
		fieldCoverage: make(map[string]float64),
	}

	var fields []registry.FieldContract
	if spec != nil {
		fields = spec.Fields
	}

	filled := make(map[string]int)
	for _, record := range records {
		a := analyzeRecord(record, fields)
		pa.records = append(pa.records, a)
		pa.signatures[a.signature]++

		for _, contract := range fields {
			if strings.TrimSpace(fieldValue(&record, contract.Name)) != "" {
				filled[contract.Name]++
			}
		}
	}

	if len(records) > 0 {
		for _, contract := range fields {
			pa.fieldCoverage[contract.Name] = float64(filled[contract.Name]) / float64(len(records))
		}
	}
	return pa
}

func (pa *platformAnalysis) total() int { return len(pa.records) }

func (pa *platformAnalysis) duplicates() int {
	d := 0
	for _, n := range pa.signatures {
		if n > 1 {
			d += n - 1
		}
	}
	return d
}

func (pa *platformAnalysis) duplicateRate() float64 {
	if len(pa.records) == 0 {
		return 0
	}
	return float64(pa.duplicates()) / float64(len(pa.records))
}
