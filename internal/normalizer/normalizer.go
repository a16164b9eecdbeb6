// Package normalizer maps AWS billing CSV rows onto canonical line items.
package normalizer

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/qualys/costwatch/internal/models"
)

// TagPrefix marks user-defined cost allocation tag columns.
const TagPrefix = "user:"

type field int

const (
	fieldInvoiceID field = iota + 1
	fieldPayerAccountID
	fieldLinkedAccountID
	fieldProductName
	fieldProductCode
	fieldUsageType
	fieldOperation
	fieldAvailabilityZone
	fieldUsageStartDate
	fieldUsageEndDate
	fieldUsageQuantity
	fieldBlendedRate
	fieldBlendedCost
	fieldUnblendedRate
	fieldUnblendedCost
	fieldResourceID
)

// columns covers both the detailed billing report headers and the
// Cost and Usage Report (CUR) "category/Name" headers.
var columns = map[string]field{
	"InvoiceID":                 fieldInvoiceID,
	"InvoiceId":                 fieldInvoiceID,
	"bill/InvoiceId":            fieldInvoiceID,
	"PayerAccountId":            fieldPayerAccountID,
	"bill/PayerAccountId":       fieldPayerAccountID,
	"LinkedAccountId":           fieldLinkedAccountID,
	"lineItem/UsageAccountId":   fieldLinkedAccountID,
	"ProductName":               fieldProductName,
	"product/ProductName":       fieldProductName,
	"ProductCode":               fieldProductCode,
	"lineItem/ProductCode":      fieldProductCode,
	"UsageType":                 fieldUsageType,
	"lineItem/UsageType":        fieldUsageType,
	"Operation":                 fieldOperation,
	"lineItem/Operation":        fieldOperation,
	"AvailabilityZone":          fieldAvailabilityZone,
	"lineItem/AvailabilityZone": fieldAvailabilityZone,
	"UsageStartDate":            fieldUsageStartDate,
	"lineItem/UsageStartDate":   fieldUsageStartDate,
	"UsageEndDate":              fieldUsageEndDate,
	"lineItem/UsageEndDate":     fieldUsageEndDate,
	"UsageQuantity":             fieldUsageQuantity,
	"lineItem/UsageAmount":      fieldUsageQuantity,
	"BlendedRate":               fieldBlendedRate,
	"lineItem/BlendedRate":      fieldBlendedRate,
	"BlendedCost":               fieldBlendedCost,
	"lineItem/BlendedCost":      fieldBlendedCost,
	"UnBlendedRate":             fieldUnblendedRate,
	"UnblendedRate":             fieldUnblendedRate,
	"lineItem/UnblendedRate":    fieldUnblendedRate,
	"UnBlendedCost":             fieldUnblendedCost,
	"UnblendedCost":             fieldUnblendedCost,
	"lineItem/UnblendedCost":    fieldUnblendedCost,
	"ResourceId":                fieldResourceID,
	"lineItem/ResourceId":       fieldResourceID,
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02",
	"01/02/2006 15:04",
	"01/02/2006",
}

var (
	regionPattern = regexp.MustCompile(`(us|eu|ap|sa|ca|cn|af)-(northeast|northwest|southeast|southwest|north|south|east|west|central)-\d`)
	zonePattern   = regexp.MustCompile(`^([a-z]{2}(?:-[a-z]+)+-\d)[a-z]$`)
)

// Row is one raw CSV line keyed by column name, keeping header order.
type Row struct {
	columns []string
	values  map[string]string
}

// NewRow pairs a header with a record. Missing trailing cells are treated as
// empty and surplus cells are dropped.
func NewRow(header, record []string) Row {
	r := Row{
		columns: header,
		values:  make(map[string]string, len(header)),
	}
	for i, col := range header {
		if i < len(record) {
			r.values[col] = record[i]
		}
	}
	return r
}

// RowFromMap builds a row from a plain mapping. Column order follows the
// order of the supplied keys.
func RowFromMap(values map[string]string, order ...string) Row {
	r := Row{values: values}
	if len(order) > 0 {
		r.columns = order
		return r
	}
	for col := range values {
		r.columns = append(r.columns, col)
	}
	return r
}

// Get returns the trimmed value of a column.
func (r Row) Get(column string) string {
	return strings.TrimSpace(r.values[column])
}

// Normalize converts a raw row into a line item candidate. It never fails:
// unparseable fields are left absent and required-field enforcement is the
// caller's job. The owning user and ingestion date are stamped by the caller.
func Normalize(row Row, jobID uuid.UUID) models.LineItem {
	item := models.LineItem{
		ID:             uuid.New(),
		IngestionJobID: jobID,
	}

	for _, col := range row.columns {
		value := row.Get(col)
		if value == "" {
			continue
		}

		f, known := columns[col]
		if !known {
			if key, ok := tagKey(col); ok {
				item.Tags = append(item.Tags, models.Tag{Key: key, Value: value})
			}
			continue
		}

		switch f {
		case fieldInvoiceID:
			item.InvoiceID = value
		case fieldPayerAccountID:
			item.PayerAccountID = value
		case fieldLinkedAccountID:
			item.LinkedAccount = value
		case fieldProductName:
			item.ProductName = value
		case fieldProductCode:
			item.ProductCode = value
		case fieldUsageType:
			item.UsageType = value
		case fieldOperation:
			item.Operation = value
		case fieldAvailabilityZone:
			item.Zone = value
		case fieldUsageStartDate:
			item.UsageStartDate = parseTime(value)
		case fieldUsageEndDate:
			item.UsageEndDate = parseTime(value)
		case fieldUsageQuantity:
			item.UsageQuantity = parseDecimal(value)
		case fieldBlendedRate:
			item.BlendedRate = parseDecimal(value)
		case fieldBlendedCost:
			item.BlendedCost = parseDecimal(value)
		case fieldUnblendedRate:
			item.UnblendedRate = parseDecimal(value)
		case fieldUnblendedCost:
			item.UnblendedCost = parseDecimal(value)
		case fieldResourceID:
			item.ResourceID = value
		}
	}

	item.AccountID = firstNonEmpty(item.LinkedAccount, item.PayerAccountID, models.Unknown)
	item.Service = firstNonEmpty(item.ProductName, item.ProductCode, models.Unknown)

	switch {
	case item.UnblendedCost.Valid:
		item.Cost = item.UnblendedCost.Decimal
	case item.BlendedCost.Valid:
		item.Cost = item.BlendedCost.Decimal
	default:
		item.Cost = decimal.Zero
	}

	item.Region = ExtractRegion(item.Zone, item.UsageType)

	return item
}

// ExtractRegion finds an AWS region in the availability zone, then in the
// usage type. A zone-shaped token such as "me-south-1a" is trimmed to its
// region. Anything else yields "unknown".
func ExtractRegion(zone, usageType string) string {
	for _, candidate := range []string{zone, usageType} {
		if m := regionPattern.FindString(strings.ToLower(candidate)); m != "" {
			return m
		}
	}
	if m := zonePattern.FindStringSubmatch(strings.ToLower(zone)); m != nil {
		return m[1]
	}
	return models.Unknown
}

func tagKey(column string) (string, bool) {
	idx := strings.Index(column, TagPrefix)
	if idx < 0 {
		return "", false
	}
	// CUR exports prefix tag columns with "resourceTags/".
	if idx > 0 && column[:idx] != "resourceTags/" {
		return "", false
	}
	key := column[idx+len(TagPrefix):]
	if key == "" {
		return "", false
	}
	return key, true
}

func parseTime(value string) *time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func parseDecimal(value string) decimal.NullDecimal {
	d, err := decimal.NewFromString(strings.ReplaceAll(value, ",", ""))
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
