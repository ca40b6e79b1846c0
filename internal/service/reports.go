package service

import (
	"context"
	"math"
	"sort"
	"time"

	"custody-tracker/internal/models"
	"custody-tracker/internal/store"
)

var reportPage = 1000

// allJobs pages through ListJobs until the filter is exhausted.
func (s *Service) allJobs(ctx context.Context, f store.JobFilter) ([]models.Job, error) {
	f.Limit = reportPage
	f.SortBy, f.SortAsc = "code", true
	var out []models.Job
	for offset := 0; ; offset += reportPage {
		f.Offset = offset
		page, err := s.store.ListJobs(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < reportPage {
			return out, nil
		}
	}
}

// allEvents pages through ListEvents oldest first until the filter is
// exhausted.
func (s *Service) allEvents(ctx context.Context, f store.EventFilter) ([]models.StatusEvent, error) {
	f.Limit = reportPage
	f.Ascending = true
	f.AfterSeq = 0
	var out []models.StatusEvent
	for {
		page, err := s.store.ListEvents(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < reportPage {
			return out, nil
		}
		f.AfterSeq = page[len(page)-1].Seq
	}
}

func pendingStatuses() []models.Status {
	var out []models.Status
	for _, st := range models.AllStatuses {
		if st != models.StatusDelivered && st != models.StatusCancelled {
			out = append(out, st)
		}
	}
	return out
}

// AgingRow counts pending jobs of one status by days since their last scan.
type AgingRow struct {
	Status     models.Status `json:"status"`
	Days0To2   int           `json:"bucket_0_2"`
	Days3To7   int           `json:"bucket_3_7"`
	Days8To15  int           `json:"bucket_8_15"`
	Days16To30 int           `json:"bucket_16_30"`
	Days30Plus int           `json:"bucket_30_plus"`
	Total      int           `json:"total"`
}

// PendingAging buckets every job that is neither delivered nor cancelled.
func (s *Service) PendingAging(ctx context.Context) ([]AgingRow, error) {
	now := s.clock()
	statuses := pendingStatuses()
	jobs, err := s.allJobs(ctx, store.JobFilter{Statuses: statuses})
	if err != nil {
		return nil, err
	}
	rows := make(map[models.Status]*AgingRow, len(statuses))
	out := make([]AgingRow, len(statuses))
	for i, st := range statuses {
		out[i].Status = st
		rows[st] = &out[i]
	}
	for _, j := range jobs {
		row, ok := rows[j.CurrentStatus]
		if !ok {
			continue
		}
		base := j.CreatedAt
		if j.LastScanAt != nil {
			base = *j.LastScanAt
		}
		days := int(now.Sub(base).Hours() / 24)
		switch {
		case days <= 2:
			row.Days0To2++
		case days <= 7:
			row.Days3To7++
		case days <= 15:
			row.Days8To15++
		case days <= 30:
			row.Days16To30++
		default:
			row.Days30Plus++
		}
		row.Total++
	}
	return out, nil
}

// StageTurnaround is the average time spent between two milestones.
type StageTurnaround struct {
	Stage       string        `json:"stage"`
	From        models.Status `json:"from_status"`
	To          models.Status `json:"to_status,omitempty"`
	Samples     int           `json:"samples"`
	AverageDays float64       `json:"average_days"`
}

var turnaroundStages = []struct {
	label    string
	from, to models.Status
}{
	{"Purchase->Packed", models.StatusPurchased, models.StatusPackedReady},
	{"Packed->Dispatch", models.StatusPackedReady, models.StatusDispatchedToFactory},
	{"Dispatch->FactoryReceive", models.StatusDispatchedToFactory, models.StatusReceivedAtFactory},
	{"FactoryReceive->Return", models.StatusReceivedAtFactory, models.StatusReturnedFromFactory},
	{"Return->ShopReceive", models.StatusReturnedFromFactory, models.StatusReceivedAtShop},
	// An empty To ends at the first of ADDED_TO_STOCK or HANDED_TO_DELIVERY.
	{"ShopReceive->Stock/Delivery", models.StatusReceivedAtShop, ""},
	{"Delivery->Delivered", models.StatusHandedToDelivery, models.StatusDelivered},
}

// Turnaround averages stage durations over events recorded in the last
// windowDays, using each job's first arrival at a status.
func (s *Service) Turnaround(ctx context.Context, windowDays int) ([]StageTurnaround, error) {
	if windowDays <= 0 {
		windowDays = 365
	}
	cutoff := s.clock().AddDate(0, 0, -windowDays)
	events, err := s.allEvents(ctx, store.EventFilter{From: &cutoff})
	if err != nil {
		return nil, err
	}
	first := map[string]map[models.Status]time.Time{}
	for _, ev := range events {
		byStatus, ok := first[ev.JobID]
		if !ok {
			byStatus = map[models.Status]time.Time{}
			first[ev.JobID] = byStatus
		}
		if _, seen := byStatus[ev.ToStatus]; !seen {
			byStatus[ev.ToStatus] = ev.RecordedAt
		}
	}

	out := make([]StageTurnaround, 0, len(turnaroundStages))
	for _, stage := range turnaroundStages {
		row := StageTurnaround{Stage: stage.label, From: stage.from, To: stage.to}
		var total float64
		for _, byStatus := range first {
			start, ok := byStatus[stage.from]
			if !ok {
				continue
			}
			end, ok := stageEnd(byStatus, stage.to)
			if !ok || end.Before(start) {
				continue
			}
			total += end.Sub(start).Hours() / 24
			row.Samples++
		}
		if row.Samples > 0 {
			row.AverageDays = math.Round(total/float64(row.Samples)*100) / 100
		}
		out = append(out, row)
	}
	return out, nil
}

func stageEnd(byStatus map[models.Status]time.Time, to models.Status) (time.Time, bool) {
	if to != "" {
		t, ok := byStatus[to]
		return t, ok
	}
	var end time.Time
	found := false
	for _, st := range []models.Status{models.StatusAddedToStock, models.StatusHandedToDelivery} {
		if t, ok := byStatus[st]; ok && (!found || t.Before(end)) {
			end, found = t, true
		}
	}
	return end, found
}

// RepairReport groups repair jobs by their target return date.
type RepairReport struct {
	Overdue     []models.Job `json:"overdue"`
	Approaching []models.Job `json:"approaching"`
	Uncollected []models.Job `json:"uncollected"`
}

var notReturned = map[models.Status]bool{
	models.StatusPurchased:           true,
	models.StatusPackedReady:         true,
	models.StatusDispatchedToFactory: true,
	models.StatusReceivedAtFactory:   true,
	models.StatusReturnedFromFactory: true,
	models.StatusOnHold:              true,
}

var uncollected = map[models.Status]bool{
	models.StatusReceivedAtShop:   true,
	models.StatusAddedToStock:     true,
	models.StatusHandedToDelivery: true,
}

// RepairTargets lists jobs with a target return date that are overdue,
// due within windowDays, or back at the shop past their target but not
// yet delivered.
func (s *Service) RepairTargets(ctx context.Context, windowDays int) (RepairReport, error) {
	if windowDays <= 0 {
		windowDays = 3
	}
	now := s.clock()
	windowEnd := now.AddDate(0, 0, windowDays)
	jobs, err := s.allJobs(ctx, store.JobFilter{Statuses: pendingStatuses()})
	if err != nil {
		return RepairReport{}, err
	}
	sort.SliceStable(jobs, func(i, k int) bool {
		a, b := jobs[i].TargetReturnDate, jobs[k].TargetReturnDate
		if a == nil || b == nil {
			return b == nil && a != nil
		}
		return a.Before(*b)
	})
	rep := RepairReport{Overdue: []models.Job{}, Approaching: []models.Job{}, Uncollected: []models.Job{}}
	for _, j := range jobs {
		if j.TargetReturnDate == nil {
			continue
		}
		target := *j.TargetReturnDate
		switch {
		case notReturned[j.CurrentStatus] && target.Before(now):
			rep.Overdue = append(rep.Overdue, j)
		case notReturned[j.CurrentStatus] && !target.After(windowEnd):
			rep.Approaching = append(rep.Approaching, j)
		case uncollected[j.CurrentStatus] && target.Before(now):
			rep.Uncollected = append(rep.Uncollected, j)
		}
	}
	return rep, nil
}

// UserActivity counts scans per actor and role.
type UserActivity struct {
	ActorID   string      `json:"actor_id"`
	Role      models.Role `json:"role"`
	Scans     int         `json:"scans"`
	Overrides int         `json:"overrides"`
}

// Activity summarizes accepted transitions in [from, to].
func (s *Service) Activity(ctx context.Context, from, to *time.Time) ([]UserActivity, error) {
	events, err := s.allEvents(ctx, store.EventFilter{From: from, To: to})
	if err != nil {
		return nil, err
	}
	type key struct {
		actor string
		role  models.Role
	}
	counts := map[key]*UserActivity{}
	for _, ev := range events {
		k := key{ev.ActorID, ev.ActorRole}
		a, ok := counts[k]
		if !ok {
			a = &UserActivity{ActorID: ev.ActorID, Role: ev.ActorRole}
			counts[k] = a
		}
		a.Scans++
		if ev.IsOverride() {
			a.Overrides++
		}
	}
	out := make([]UserActivity, 0, len(counts))
	for _, a := range counts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Scans != out[k].Scans {
			return out[i].Scans > out[k].Scans
		}
		if out[i].ActorID != out[k].ActorID {
			return out[i].ActorID < out[k].ActorID
		}
		return out[i].Role < out[k].Role
	})
	return out, nil
}
