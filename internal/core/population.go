package core

import (
	"fmt"
	"sort"

	"ravesim/pkg/domain"
)

const firstSubjectNumber = 1000

type formUsage struct {
	oid          string
	name         string
	subjectCount int
	visitKeys    map[string]struct{}
}

// population is the mutable roster owned by one Engine together with the
// plan-derived aggregates. Aggregates keep first-seen order so snapshots are
// stable across runs.
type population struct {
	subjects []*domain.Subject
	plans    map[string][]domain.VisitPlanEntry

	visitOrder     []string
	visitSummaries map[string]*domain.VisitSummary
	visitForms     map[string]map[string]struct{}

	formOrder []string
	forms     map[string]*formUsage
}

func newPopulation() *population {
	return &population{
		plans:          make(map[string][]domain.VisitPlanEntry),
		visitSummaries: make(map[string]*domain.VisitSummary),
		visitForms:     make(map[string]map[string]struct{}),
		forms:          make(map[string]*formUsage),
	}
}

// seedPopulation builds a fresh roster: sites "001".."NNN", sequential
// subject keys from 1001, and one cloned plan per subject.
func seedPopulation(s Settings) *population {
	p := newPopulation()
	sites := max(1, s.Sites)
	perSite := max(1, s.SubjectsPerSite)
	counter := firstSubjectNumber
	for site := 1; site <= sites; site++ {
		code := fmt.Sprintf("%03d", site)
		var siteName string
		if site-1 < len(s.SiteNames) {
			siteName = s.SiteNames[site-1]
		}
		for i := 0; i < perSite; i++ {
			counter++
			subj := &domain.Subject{
				Key:         fmt.Sprint(counter),
				Site:        code,
				SiteName:    siteName,
				Status:      domain.SubjectActive,
				FieldValues: make(map[string]string),
			}
			plan := clonePlan(s.Templates)
			p.subjects = append(p.subjects, subj)
			p.plans[subj.Key] = plan
			p.recordUsage(plan)
		}
	}
	return p
}

// VisitKey formats the plan key for a zero-based template index.
func VisitKey(index int) string {
	return fmt.Sprintf("VISIT-%d", index+1)
}

func clonePlan(templates []domain.VisitTemplate) []domain.VisitPlanEntry {
	plan := make([]domain.VisitPlanEntry, 0, len(templates))
	for i, tpl := range templates {
		plan = append(plan, domain.VisitPlanEntry{
			Key:       VisitKey(i),
			Name:      tpl.Name,
			DayOffset: tpl.DayOffset,
			Forms:     append([]domain.FormRef(nil), tpl.Forms...),
		})
	}
	return plan
}

func (p *population) recordUsage(plan []domain.VisitPlanEntry) {
	for _, visit := range plan {
		summary, ok := p.visitSummaries[visit.Key]
		if !ok {
			summary = &domain.VisitSummary{Key: visit.Key, Name: visit.Name, DayOffset: visit.DayOffset}
			p.visitSummaries[visit.Key] = summary
			p.visitOrder = append(p.visitOrder, visit.Key)
		}
		summary.SubjectCount++

		set, ok := p.visitForms[visit.Key]
		if !ok {
			set = make(map[string]struct{})
			p.visitForms[visit.Key] = set
		}
		for _, form := range visit.Forms {
			set[form.OID] = struct{}{}
			usage, ok := p.forms[form.OID]
			if !ok {
				usage = &formUsage{oid: form.OID, name: form.Name, visitKeys: make(map[string]struct{})}
				p.forms[form.OID] = usage
				p.formOrder = append(p.formOrder, form.OID)
			}
			usage.subjectCount++
			usage.visitKeys[visit.Key] = struct{}{}
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// snapshot copies the population into its durable form.
func (p *population) snapshot() domain.Snapshot {
	s := domain.Snapshot{
		Version:      domain.SchemaVersion,
		Subjects:     make([]domain.Subject, 0, len(p.subjects)),
		VisitPlans:   make(map[string][]domain.VisitPlanEntry, len(p.plans)),
		VisitFormMap: make(map[string][]string, len(p.visitForms)),
	}
	for _, subj := range p.subjects {
		s.Subjects = append(s.Subjects, subj.Clone())
	}
	for key, plan := range p.plans {
		cloned := make([]domain.VisitPlanEntry, len(plan))
		for i, entry := range plan {
			cloned[i] = entry.Clone()
		}
		s.VisitPlans[key] = cloned
	}
	for _, key := range p.visitOrder {
		s.VisitSummaries = append(s.VisitSummaries, *p.visitSummaries[key])
		s.VisitFormMap[key] = sortedKeys(p.visitForms[key])
	}
	for _, oid := range p.formOrder {
		usage := p.forms[oid]
		s.FormSummaries = append(s.FormSummaries, domain.FormSummary{
			OID:          usage.oid,
			Name:         usage.name,
			SubjectCount: usage.subjectCount,
			VisitKeys:    sortedKeys(usage.visitKeys),
		})
	}
	return s
}

// populationFromSnapshot rebuilds the roster verbatim from a decoded snapshot.
func populationFromSnapshot(s domain.Snapshot) *population {
	p := newPopulation()
	for _, subj := range s.Subjects {
		cloned := subj.Clone()
		p.subjects = append(p.subjects, &cloned)
	}
	for key, plan := range s.VisitPlans {
		cloned := make([]domain.VisitPlanEntry, len(plan))
		for i, entry := range plan {
			cloned[i] = entry.Clone()
		}
		p.plans[key] = cloned
	}
	for _, summary := range s.VisitSummaries {
		if _, ok := p.visitSummaries[summary.Key]; ok {
			continue
		}
		cp := summary
		p.visitSummaries[summary.Key] = &cp
		p.visitOrder = append(p.visitOrder, summary.Key)
	}
	for key, oids := range s.VisitFormMap {
		set := make(map[string]struct{}, len(oids))
		for _, oid := range oids {
			set[oid] = struct{}{}
		}
		p.visitForms[key] = set
	}
	for _, summary := range s.FormSummaries {
		if _, ok := p.forms[summary.OID]; ok {
			continue
		}
		usage := &formUsage{
			oid:          summary.OID,
			name:         summary.Name,
			subjectCount: summary.SubjectCount,
			visitKeys:    make(map[string]struct{}, len(summary.VisitKeys)),
		}
		for _, key := range summary.VisitKeys {
			usage.visitKeys[key] = struct{}{}
		}
		p.forms[summary.OID] = usage
		p.formOrder = append(p.formOrder, summary.OID)
	}
	return p
}
