package recommendation

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/qualys/costwatch/internal/models"
	"github.com/qualys/costwatch/internal/stats"
)

// maxResourceIDs bounds the resource ids carried in metadata.
const maxResourceIDs = 10

var (
	computeService = regexp.MustCompile(`(?i)(ec2|elastic compute cloud)`)
	storageService = regexp.MustCompile(`(?i)(\bs3\b|amazons3|simple storage service)`)

	instanceHours = regexp.MustCompile(`(?i)BoxUsage`)
	volumeUsage   = regexp.MustCompile(`(?i)EBS:VolumeUsage`)
	elasticIP     = regexp.MustCompile(`(?i)ElasticIP`)
	standardTier  = regexp.MustCompile(`(?i)TimedStorage-ByteHrs`)
)

var (
	rightsizingMinCost     = decimal.NewFromInt(10)
	rightsizingMaxUnitCost = decimal.NewFromInt(50)
	reservedMinMonthly     = 500.0
	reservedMaxVariation   = 0.2
	volumeMaxCost          = decimal.NewFromInt(5)
	tieringMinCost         = decimal.NewFromInt(50)
	idleMaxDailyCost       = decimal.NewFromInt(1)
	idleMinDays            = 7
)

// input is the data every detector reads from.
type input struct {
	lineItems []models.LineItem
	daily     []models.Aggregate
	monthly   []models.Aggregate
}

type detector struct {
	name   string
	detect func(in *input) []models.Recommendation
}

// defaultDetectors returns the detectors in the order their output is
// reported.
func defaultDetectors() []detector {
	return []detector{
		{name: "rightsizing", detect: detectRightsizing},
		{name: "reserved_instance", detect: detectReservedInstances},
		{name: "unattached_ebs", detect: detectUnattachedVolumes},
		{name: "unattached_eip", detect: detectUnattachedAddresses},
		{name: "storage_tiering", detect: detectStorageTiering},
		{name: "idle_resource", detect: detectIdleResources},
	}
}

// bucket accumulates line items that share a grouping key.
type bucket struct {
	account   string
	sub       string
	cost      decimal.Decimal
	usage     decimal.Decimal
	count     int
	resources []string
}

type buckets struct {
	byKey map[[2]string]*bucket
	keys  [][2]string
}

func newBuckets() *buckets {
	return &buckets{byKey: make(map[[2]string]*bucket)}
}

func (b *buckets) add(account, sub string, li *models.LineItem) {
	k := [2]string{account, sub}
	g, ok := b.byKey[k]
	if !ok {
		g = &bucket{account: account, sub: sub}
		b.byKey[k] = g
		b.keys = append(b.keys, k)
	}
	g.cost = g.cost.Add(li.Cost)
	if li.UsageQuantity.Valid {
		g.usage = g.usage.Add(li.UsageQuantity.Decimal)
	}
	g.count++
	if li.ResourceID != "" {
		g.resources = append(g.resources, li.ResourceID)
	}
}

// sorted returns groups ordered by account and then the secondary key.
func (b *buckets) sorted() []*bucket {
	sort.Slice(b.keys, func(i, j int) bool {
		if b.keys[i][0] != b.keys[j][0] {
			return b.keys[i][0] < b.keys[j][0]
		}
		return b.keys[i][1] < b.keys[j][1]
	})
	return lo.Map(b.keys, func(k [2]string, _ int) *bucket { return b.byKey[k] })
}

func isCompute(li *models.LineItem) bool {
	return computeService.MatchString(li.Service) ||
		computeService.MatchString(li.ProductName) ||
		computeService.MatchString(li.ProductCode)
}

func isStorage(li *models.LineItem) bool {
	return storageService.MatchString(li.Service) ||
		storageService.MatchString(li.ProductName) ||
		storageService.MatchString(li.ProductCode)
}

func detectRightsizing(in *input) []models.Recommendation {
	groups := newBuckets()
	for i := range in.lineItems {
		li := &in.lineItems[i]
		if isCompute(li) && instanceHours.MatchString(li.UsageType) {
			groups.add(li.AccountID, li.UsageType, li)
		}
	}

	var recs []models.Recommendation
	for _, g := range groups.sorted() {
		if !g.cost.GreaterThan(rightsizingMinCost) || g.count <= 1 {
			continue
		}
		units := g.usage
		if !units.IsPositive() {
			units = decimal.NewFromInt(int64(g.count))
		}
		unitCost := g.cost.Div(units)
		if !unitCost.LessThan(rightsizingMaxUnitCost) {
			continue
		}

		instanceType := instanceTypeOf(g.sub)
		resources := resourceIDs(g.resources)
		rec := newRecommendation(models.RecommendationRightsizing, models.PriorityMedium, models.EffortMedium, g.account, g.cost, 30)
		rec.Title = fmt.Sprintf("Rightsize %s instances in account %s", instanceType, g.account)
		rec.Description = fmt.Sprintf(
			"%d line items of %s usage cost $%s over the period at an average of $%s per unit. Smaller or newer generation instances are likely to cover the workload.",
			g.count, g.sub, g.cost.StringFixed(2), unitCost.StringFixed(4),
		)
		rec.ActionItems = models.StringArray{
			"Review CPU and memory utilization in CloudWatch for the affected instances",
			"Identify instances averaging below 40% utilization",
			"Test the workload on the next smaller instance size",
			"Resize instances during a maintenance window",
		}
		rec.Metadata = models.JSONB{
			"account_id":            g.account,
			"usage_type":            g.sub,
			"instance_type":         instanceType,
			"instance_count":        len(lo.Uniq(g.resources)),
			"line_item_count":       g.count,
			"average_cost_per_unit": unitCost.Round(4).InexactFloat64(),
			"resource_ids":          resources,
		}
		recs = append(recs, rec)
	}
	return recs
}

func detectReservedInstances(in *input) []models.Recommendation {
	// account -> month -> cost
	months := make(map[string]map[time.Time]decimal.Decimal)
	for _, a := range in.monthly {
		if !computeService.MatchString(a.Service) {
			continue
		}
		byMonth, ok := months[a.AccountID]
		if !ok {
			byMonth = make(map[time.Time]decimal.Decimal)
			months[a.AccountID] = byMonth
		}
		m := models.StartOfMonth(a.Date)
		byMonth[m] = byMonth[m].Add(a.TotalCost)
	}

	accounts := lo.Keys(months)
	sort.Strings(accounts)

	var recs []models.Recommendation
	for _, account := range accounts {
		byMonth := months[account]
		keys := lo.Keys(byMonth)
		sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
		costs := lo.Map(keys, func(m time.Time, _ int) float64 { return byMonth[m].InexactFloat64() })
		m := stats.Mean(costs)
		if m <= reservedMinMonthly {
			continue
		}
		cv, ok := stats.CoefficientOfVariation(costs)
		if !ok || cv >= reservedMaxVariation {
			continue
		}

		monthly := decimal.NewFromFloat(m)
		rec := newRecommendation(models.RecommendationReservedInstance, models.PriorityHigh, models.EffortMedium, account, monthly, 50)
		rec.Title = fmt.Sprintf("Purchase reserved capacity for account %s", account)
		rec.Description = fmt.Sprintf(
			"Compute spend in account %s averaged $%s per month over %d months with a coefficient of variation of %.2f. Stable usage at this level is a good fit for reserved instances or a savings plan.",
			account, monthly.StringFixed(2), len(costs), cv,
		)
		rec.ActionItems = models.StringArray{
			"Review steady-state instance usage in Cost Explorer",
			"Compare one-year and three-year reservation terms",
			"Evaluate a compute savings plan as an alternative",
			"Purchase reservations covering the baseline usage",
		}
		rec.Metadata = models.JSONB{
			"account_id":               account,
			"months":                   len(costs),
			"average_monthly_cost":     monthly.Round(2).InexactFloat64(),
			"coefficient_of_variation": math.Round(cv*10000) / 10000,
		}
		recs = append(recs, rec)
	}
	return recs
}

func detectUnattachedVolumes(in *input) []models.Recommendation {
	groups := newBuckets()
	for i := range in.lineItems {
		li := &in.lineItems[i]
		if li.ResourceID != "" && volumeUsage.MatchString(li.UsageType) {
			groups.add(li.AccountID, li.ResourceID, li)
		}
	}

	var recs []models.Recommendation
	for _, g := range groups.sorted() {
		if !g.cost.IsPositive() || !g.cost.LessThan(volumeMaxCost) {
			continue
		}
		rec := newRecommendation(models.RecommendationUnattachedEBS, models.PriorityMedium, models.EffortLow, g.account, g.cost, 100)
		rec.Title = fmt.Sprintf("Delete unattached EBS volume %s", g.sub)
		rec.Description = fmt.Sprintf(
			"Volume %s in account %s accrued $%s of storage charges with no sign of instance usage. Unattached volumes are billed until deleted.",
			g.sub, g.account, g.cost.StringFixed(2),
		)
		rec.ActionItems = models.StringArray{
			"Confirm the volume is not attached to any instance",
			"Create a snapshot if the data must be retained",
			"Delete the volume",
		}
		rec.Metadata = models.JSONB{
			"account_id":  g.account,
			"resource_id": g.sub,
			"line_items":  g.count,
		}
		recs = append(recs, rec)
	}
	return recs
}

func detectUnattachedAddresses(in *input) []models.Recommendation {
	groups := newBuckets()
	for i := range in.lineItems {
		li := &in.lineItems[i]
		if li.ResourceID != "" && isCompute(li) && elasticIP.MatchString(li.UsageType) {
			groups.add(li.AccountID, li.ResourceID, li)
		}
	}

	var recs []models.Recommendation
	for _, g := range groups.sorted() {
		if !g.cost.IsPositive() {
			continue
		}
		rec := newRecommendation(models.RecommendationUnattachedEIP, models.PriorityLow, models.EffortLow, g.account, g.cost, 100)
		rec.Title = fmt.Sprintf("Release unused Elastic IP %s", g.sub)
		rec.Description = fmt.Sprintf(
			"Elastic IP %s in account %s was billed $%s. Addresses are charged while they are not associated with a running instance.",
			g.sub, g.account, g.cost.StringFixed(2),
		)
		rec.ActionItems = models.StringArray{
			"Check whether the address is associated with a running instance",
			"Update DNS records that still reference the address",
			"Release the Elastic IP",
		}
		rec.Metadata = models.JSONB{
			"account_id":  g.account,
			"resource_id": g.sub,
			"line_items":  g.count,
		}
		recs = append(recs, rec)
	}
	return recs
}

func detectStorageTiering(in *input) []models.Recommendation {
	groups := newBuckets()
	for i := range in.lineItems {
		li := &in.lineItems[i]
		if isStorage(li) && standardTier.MatchString(li.UsageType) {
			groups.add(li.AccountID, li.UsageType, li)
		}
	}

	var recs []models.Recommendation
	for _, g := range groups.sorted() {
		if !g.cost.GreaterThan(tieringMinCost) {
			continue
		}
		resources := resourceIDs(g.resources)
		rec := newRecommendation(models.RecommendationStorageTiering, models.PriorityMedium, models.EffortMedium, g.account, g.cost, 50)
		rec.Title = fmt.Sprintf("Move infrequently accessed S3 data to cheaper tiers in account %s", g.account)
		rec.Description = fmt.Sprintf(
			"Standard tier storage (%s) in account %s cost $%s over the period. Lifecycle rules or Intelligent-Tiering can move cold objects to lower cost classes.",
			g.sub, g.account, g.cost.StringFixed(2),
		)
		rec.ActionItems = models.StringArray{
			"Analyze access patterns with S3 Storage Lens",
			"Enable S3 Intelligent-Tiering for buckets with unknown access patterns",
			"Add lifecycle rules moving objects to Standard-IA or Glacier",
		}
		rec.Metadata = models.JSONB{
			"account_id":   g.account,
			"usage_type":   g.sub,
			"line_items":   g.count,
			"resource_ids": resources,
		}
		recs = append(recs, rec)
	}
	return recs
}

func detectIdleResources(in *input) []models.Recommendation {
	type idleKey struct {
		account, service, region string
	}
	type idle struct {
		days int
		cost decimal.Decimal
	}

	groups := make(map[idleKey]*idle)
	for _, a := range in.daily {
		if !a.TotalCost.IsPositive() || !a.TotalCost.LessThan(idleMaxDailyCost) {
			continue
		}
		k := idleKey{a.AccountID, a.Service, a.Region}
		g, ok := groups[k]
		if !ok {
			g = &idle{}
			groups[k] = g
		}
		g.days++
		g.cost = g.cost.Add(a.TotalCost)
	}

	keys := lo.Keys(groups)
	sort.Slice(keys, func(i, j int) bool {
		x, y := keys[i], keys[j]
		if x.account != y.account {
			return x.account < y.account
		}
		if x.service != y.service {
			return x.service < y.service
		}
		return x.region < y.region
	})

	var recs []models.Recommendation
	for _, k := range keys {
		g := groups[k]
		if g.days < idleMinDays {
			continue
		}
		rec := newRecommendation(models.RecommendationIdleResource, models.PriorityMedium, models.EffortLow, k.account, g.cost, 100)
		rec.Title = fmt.Sprintf("Clean up idle %s resources in %s", k.service, k.region)
		rec.Description = fmt.Sprintf(
			"%s in account %s (%s) cost less than $1 per day on %d days, totalling $%s. Resources with such low spend are often forgotten.",
			k.service, k.account, k.region, g.days, g.cost.StringFixed(2),
		)
		rec.ActionItems = models.StringArray{
			"List the resources behind the charges with Cost Explorer resource level data",
			"Confirm with the owning team that they are unused",
			"Delete or stop the idle resources",
		}
		rec.Metadata = models.JSONB{
			"account_id":  k.account,
			"service":     k.service,
			"region":      k.region,
			"idle_days":   g.days,
			"period_cost": g.cost.Round(2).InexactFloat64(),
		}
		recs = append(recs, rec)
	}
	return recs
}

func newRecommendation(kind models.RecommendationType, priority models.Priority, effort models.Effort, account string, current decimal.Decimal, pct int64) models.Recommendation {
	savings := current.Mul(decimal.NewFromInt(pct)).Div(decimal.NewFromInt(100))
	return models.Recommendation{
		AccountID:               account,
		Type:                    kind,
		Priority:                priority,
		CurrentCost:             current.Round(2).InexactFloat64(),
		EstimatedSavings:        savings.Round(2).InexactFloat64(),
		EstimatedSavingsPercent: float64(pct),
		ImplementationEffort:    effort,
	}
}

// instanceTypeOf extracts "m5.large" from usage types like "USE1-BoxUsage:m5.large".
func instanceTypeOf(usageType string) string {
	if i := strings.LastIndex(usageType, ":"); i >= 0 && i < len(usageType)-1 {
		return usageType[i+1:]
	}
	return usageType
}

func resourceIDs(ids []string) []string {
	out := lo.Uniq(ids)
	sort.Strings(out)
	if len(out) > maxResourceIDs {
		out = out[:maxResourceIDs]
	}
	return out
}
